package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whisper-wa/internal/adapters/bridge"
	"whisper-wa/internal/domain/model"
	"whisper-wa/internal/platform/id"
	"whisper-wa/internal/services/acqreport"
	"whisper-wa/internal/services/auditverify"
	"whisper-wa/internal/services/wordindex"
	"whisper-wa/internal/services/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "whisper-wa",
		"time":    time.Now().Unix(),
	})
}

// handleDevices 枚举当前可见设备。
// ?bridge_path= 允许单次请求覆盖桥接工具路径（例如测试备用 adb）。
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tool := s.requestTool(r.URL.Query().Get("bridge_path"))
	probe := tool.ListDevices(r.Context())
	status := http.StatusOK
	if !probe.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, probe)
}

// handleConnect 执行接入阶段（枚举 → [网络连接] → root 校验）。
//
// POST body:
//
//	{
//	  "method": "usb" | "network",
//	  "address": "192.168.56.101:5555",   // method=network 时必填
//	  "case_id": "Case_001"               // 可选，用于留痕
//	}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type connectRequest struct {
		Method  string `json:"method"`
		Address string `json:"address"`
		// ip_port 是历史字段名，旧调用方仍在用。
		IPPort string `json:"ip_port"`
		CaseID string `json:"case_id"`
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = strings.TrimSpace(req.IPPort)
	}

	res := s.runner.CheckAndConnect(r.Context(), parseMethod(req.Method), address, strings.TrimSpace(req.CaseID))
	writeJSON(w, workflowStatus(res), res)
}

// handleAcquisitionRun 只跑采集阶段，返回逐文件结果。
func (s *Server) handleAcquisitionRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type acqRequest struct {
		CaseID string `json:"case_id"`
		Serial string `json:"serial"`
	}
	var req acqRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		caseID = "Case_001"
	}

	results, err := s.runner.RunAcquisition(r.Context(), caseID, strings.TrimSpace(req.Serial))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      model.AcquisitionComplete(results),
		"case_id": caseID,
		"results": results,
	})
}

// handleWorkflowRun 跑 接入 → 采集 → 解密 全流程。
//
// POST body:
//
//	{
//	  "case_id": "Case_001",
//	  "method": "usb" | "network",
//	  "address": "192.168.56.101:5555",
//	  "decrypt_tool": "wadecrypt",
//	  "timeout_sec": 180
//	}
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type workflowRequest struct {
		CaseID      string `json:"case_id"`
		Method      string `json:"method"`
		Address     string `json:"address"`
		DecryptTool string `json:"decrypt_tool"`
		TimeoutSec  int    `json:"timeout_sec"`
	}
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		caseID = "Case_001"
	}
	method := parseMethod(req.Method)
	if strings.TrimSpace(req.Method) == "" {
		method = model.ConnectUSB
	}

	res := s.runner.RunFullWorkflow(r.Context(), workflow.Options{
		Method:          method,
		Address:         strings.TrimSpace(req.Address),
		CaseID:          caseID,
		DecryptToolPath: strings.TrimSpace(req.DecryptTool),
		DecryptTimeout:  time.Duration(req.TimeoutSec) * time.Second,
	})
	writeJSON(w, workflowStatus(res), res)
}

// handleIndexBuild 构建消息词索引（解密产物的检索预处理）。
func (s *Server) handleIndexBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type indexRequest struct {
		Messages map[string]string `json:"messages"`
	}
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"index": wordindex.Build(req.Messages),
	})
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		offset := parseInt(r.URL.Query().Get("offset"), 0)

		rows, err := s.store.ListCases(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
	case http.MethodPost:
		type createCaseRequest struct {
			CaseID   string `json:"case_id,omitempty"`
			Title    string `json:"title,omitempty"`
			Operator string `json:"operator,omitempty"`
			Note     string `json:"note,omitempty"`
		}
		var req createCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		caseID := strings.TrimSpace(req.CaseID)
		if caseID == "" {
			caseID = id.New("case")
		}
		operator := strings.TrimSpace(req.Operator)
		if operator == "" {
			operator = s.opts.Operator
		}
		if err := s.store.EnsureCase(r.Context(), caseID, strings.TrimSpace(req.Title), operator, strings.TrimSpace(req.Note)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCaseRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cases/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	caseID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "evidence":
		s.handleCaseEvidence(w, r, caseID)
	case "runs":
		s.handleCaseRuns(w, r, caseID)
	case "audit":
		s.handleCaseAudit(w, r, caseID)
	case "verify":
		s.handleCaseVerify(w, r, caseID)
	case "report":
		s.handleCaseReport(w, r, caseID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCaseEvidence(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListEvidence(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "evidence": rows})
}

func (s *Server) handleCaseRuns(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListWorkflowRuns(r.Context(), caseID, parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "runs": rows})
}

func (s *Server) handleCaseAudit(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListAuditLogs(r.Context(), caseID, parseInt(r.URL.Query().Get("limit"), 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "audit": rows})
}

// handleCaseVerify 重算审计链并返回校验结果。
func (s *Server) handleCaseVerify(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logs, err := s.store.ListAuditLogs(r.Context(), caseID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, auditverify.VerifyAuditLogs(logs))
}

// handleCaseReport 生成采集 PDF 报告。
func (s *Server) handleCaseReport(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := acqreport.Generate(r.Context(), s.store, s.opts.Config, acqreport.Options{
		CaseID:   caseID,
		Operator: s.opts.Operator,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requestTool 返回请求级桥接工具句柄（可被 bridge_path 覆盖）。
func (s *Server) requestTool(override string) *bridge.Tool {
	path := strings.TrimSpace(override)
	if path == "" {
		path = s.opts.Config.BridgeToolPath
	}
	tool := bridge.New(path)
	tool.ProbeTimeout = s.opts.Config.ProbeTimeout
	tool.ConnectTimeout = s.opts.Config.ConnectTimeout
	tool.ShellTimeout = s.opts.Config.ShellTimeout
	return tool
}

// --- helpers ---

func parseMethod(raw string) model.ConnectionMethod {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "usb":
		return model.ConnectUSB
	case "network", "wifi":
		// wifi 是历史叫法，等价于 network
		return model.ConnectNetwork
	default:
		return model.ConnectionMethod(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// workflowStatus 把流程终态映射到 HTTP 状态码：
// 成功 200；未 root 403；其余失败 400。
func workflowStatus(res *model.WorkflowResult) int {
	if res.OK {
		return http.StatusOK
	}
	if res.Detail != nil && res.Detail.Kind == model.FailRootAccessDenied {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
