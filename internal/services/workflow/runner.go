package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"whisper-wa/internal/adapters/bridge"
	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
)

// DeviceGateway 是编排器需要的设备桥接能力，由 *bridge.Tool 实现。
type DeviceGateway interface {
	ListDevices(ctx context.Context) bridge.ProbeResult
	Connect(ctx context.Context, address string) bridge.ConnectResult
	RootCheck(ctx context.Context, serial string) bridge.RootStatus
}

// EvidencePuller 是编排器需要的采集能力，由 *acquisition.Collector 实现。
type EvidencePuller interface {
	Pull(ctx context.Context, caseID, serial string) ([]model.EvidenceFile, error)
}

// Decryptor 是编排器需要的解密调用能力，由 *decryptrun.Runner 实现。
type Decryptor interface {
	Run(ctx context.Context, caseID, toolPath string, timeout time.Duration) model.DecryptResult
}

// Recorder 是可选的落库留痕能力，由 *sqlite.Store 实现。
// 为 nil 时流水线照常运行，只是不登记。
type Recorder interface {
	EnsureCase(ctx context.Context, caseID, title, operator, note string) error
	SaveEvidenceResults(ctx context.Context, caseID string, results []model.EvidenceFile) error
	SaveWorkflowRun(ctx context.Context, run model.WorkflowRun) (string, error)
	AppendAudit(ctx context.Context, caseID, eventType, action, status, actor, source string, detail any) error
}

// Runner 把探测、连接、root 校验、采集、解密串成一次可审计的同步流程。
// 单线程顺序执行，一个案件同一时刻只允许一次运行（由调用方串行化）。
type Runner struct {
	cfg       app.Config
	gateway   DeviceGateway
	collector EvidencePuller
	decryptor Decryptor
	recorder  Recorder
	operator  string
}

// New 构造编排器。recorder 可以为 nil。
func New(cfg app.Config, gw DeviceGateway, puller EvidencePuller, dec Decryptor, rec Recorder) *Runner {
	return &Runner{
		cfg:       cfg,
		gateway:   gw,
		collector: puller,
		decryptor: dec,
		recorder:  rec,
		operator:  "system",
	}
}

// SetOperator 设置留痕用的操作员名（默认 system）。
func (r *Runner) SetOperator(op string) {
	if strings.TrimSpace(op) != "" {
		r.operator = op
	}
}

// CheckAndConnect 执行接入阶段：入参校验 → 设备枚举 → [网络连接 → 复查] →
// 选取首个设备 → root 校验。成功返回 step=connected。
//
// 已知限制：多台设备同时在线时固定选取枚举顺序中的第一台，
// 这一层不提供消歧界面。
func (r *Runner) CheckAndConnect(ctx context.Context, method model.ConnectionMethod, address, caseID string) *model.WorkflowResult {
	res := &model.WorkflowResult{CaseID: caseID, Logs: []model.LogEntry{}}

	// 入参校验失败必须发生在任何外部进程之前。
	switch method {
	case model.ConnectUSB:
	case model.ConnectNetwork:
		if strings.TrimSpace(address) == "" {
			return r.fail(ctx, res, model.StepValidate, &model.Failure{
				Kind:    model.FailValidate,
				Message: "address (host:port) is required for network method",
			})
		}
	default:
		return r.fail(ctx, res, model.StepValidate, &model.Failure{
			Kind:    model.FailValidate,
			Message: fmt.Sprintf("method must be usb or network, got %q", method),
		})
	}

	r.log(res, model.LogInfo, "Checking bridge devices...")
	probe := r.gateway.ListDevices(ctx)
	if !probe.OK {
		return r.fail(ctx, res, model.StepDevices, probe.Failure)
	}

	if method == model.ConnectNetwork {
		r.log(res, model.LogInfo, "Bridge connect to "+address+"...")
		conn := r.gateway.Connect(ctx, address)
		if !conn.OK {
			detail := conn.Failure
			if detail == nil {
				detail = &model.Failure{
					Kind:       model.FailBridgeTool,
					Message:    "connect output did not report a connected state",
					ReturnCode: conn.ReturnCode,
					Stdout:     conn.Stdout,
					Stderr:     conn.Stderr,
				}
			}
			return r.fail(ctx, res, model.StepConnect, detail)
		}

		// 连接成功不代表设备可用：必须复查枚举。
		probe = r.gateway.ListDevices(ctx)
		if !probe.OK || len(probe.Devices) == 0 {
			detail := probe.Failure
			if detail == nil {
				detail = &model.Failure{
					Kind:    model.FailDeviceNotVisible,
					Message: "device still not visible after connect: " + address,
				}
			}
			return r.fail(ctx, res, model.StepDevicesAfterConnect, detail)
		}
	} else if len(probe.Devices) == 0 {
		return r.fail(ctx, res, model.StepUSB, &model.Failure{
			Kind:    model.FailNoDeviceFound,
			Message: "No USB device found. Enable USB Debugging.",
		})
	}

	serial := probe.Devices[0]
	res.Serial = serial
	r.log(res, model.LogSuccess, "Device detected: "+serial)

	r.log(res, model.LogInfo, "Checking root access...")
	root := r.gateway.RootCheck(ctx, serial)
	if !root.Rooted {
		r.log(res, model.LogError, "Device is NOT rooted. Root required to continue.")
		return r.fail(ctx, res, model.StepRootCheck, &model.Failure{
			Kind:    model.FailRootAccessDenied,
			Message: "device is not rooted; protected paths are unreadable",
			Stdout:  root.Stdout,
			Stderr:  root.Stderr,
		})
	}
	res.Rooted = true
	r.log(res, model.LogSuccess, fmt.Sprintf("Root access OK (method=%s).", root.Method))

	res.OK = true
	res.Step = model.StepConnected
	r.audit(ctx, caseID, "connect", string(method), "success", map[string]any{
		"serial":      serial,
		"root_method": string(root.Method),
	})
	return res
}

// RunAcquisition 执行一次采集并落库结果。
// 返回每个清单条目的结果；整体成败由调用方按 AcquisitionComplete 判定。
func (r *Runner) RunAcquisition(ctx context.Context, caseID, serial string) ([]model.EvidenceFile, error) {
	results, err := r.collector.Pull(ctx, caseID, serial)
	if err != nil {
		r.audit(ctx, caseID, "acquisition", "pull_manifest", "failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	if r.recorder != nil {
		_ = r.recorder.EnsureCase(ctx, caseID, "", r.operator, "")
		_ = r.recorder.SaveEvidenceResults(ctx, caseID, results)
	}
	r.audit(ctx, caseID, "acquisition", "pull_manifest", acqStatus(results), map[string]any{
		"results": results,
	})
	return results, nil
}

// Options 是一次全流程运行的入参。
type Options struct {
	Method          model.ConnectionMethod
	Address         string
	CaseID          string
	DecryptToolPath string
	DecryptTimeout  time.Duration
}

// RunFullWorkflow 顺序执行 接入 → 采集 → 解密，任一阶段失败即短路，
// 返回带失败步骤名与诊断信息的终态结果。核心不做任何自动重试。
func (r *Runner) RunFullWorkflow(ctx context.Context, opts Options) *model.WorkflowResult {
	started := time.Now().Unix()

	res := r.CheckAndConnect(ctx, opts.Method, opts.Address, opts.CaseID)
	if !res.OK {
		r.saveRun(ctx, res, opts, started)
		return res
	}

	r.log(res, model.LogInfo, "Running acquisition for "+opts.CaseID+"...")
	acq, err := r.RunAcquisition(ctx, opts.CaseID, res.Serial)
	if err != nil {
		res.OK = false
		res.Detail = &model.Failure{Kind: model.FailFileTransfer, Message: err.Error()}
		res.Step = model.StepAcquisition
		r.log(res, model.LogError, "Acquisition failed: "+err.Error())
		r.saveRun(ctx, res, opts, started)
		return res
	}
	res.Acquisition = acq

	// 采集成败的判定只在编排层做：key 与加密库都拿到才放行解密。
	if !model.AcquisitionComplete(acq) {
		res.OK = false
		res.Step = model.StepAcquisition
		res.Detail = &model.Failure{
			Kind:    model.FailFileTransfer,
			Message: "required evidence incomplete: " + incompleteSummary(acq),
		}
		r.log(res, model.LogError, "Acquisition failed.")
		r.saveRun(ctx, res, opts, started)
		return res
	}
	r.log(res, model.LogSuccess, "Acquisition completed.")

	// 未显式指定解密工具与超时时回落到配置值。
	toolPath := opts.DecryptToolPath
	if strings.TrimSpace(toolPath) == "" {
		toolPath = r.cfg.DecryptToolPath
	}
	timeout := opts.DecryptTimeout
	if timeout <= 0 {
		timeout = r.cfg.DecryptTimeout
	}

	r.log(res, model.LogInfo, "Decrypting WhatsApp database...")
	dec := r.decryptor.Run(ctx, opts.CaseID, toolPath, timeout)
	res.Decrypt = &dec
	if !dec.OK {
		res.OK = false
		res.Step = model.StepDecrypt
		res.Detail = dec.Failure
		r.log(res, model.LogError, "Decryption failed.")
		r.audit(ctx, opts.CaseID, "decrypt", "run_tool", "failed", dec.Failure)
		r.saveRun(ctx, res, opts, started)
		return res
	}
	r.log(res, model.LogSuccess, "Decryption completed.")
	r.audit(ctx, opts.CaseID, "decrypt", "run_tool", "success", map[string]any{
		"decrypted_db": dec.DecryptedPath,
	})

	res.OK = true
	res.Step = model.StepDone
	r.saveRun(ctx, res, opts, started)
	return res
}

func (r *Runner) log(res *model.WorkflowResult, level model.LogLevel, msg string) {
	res.Logs = append(res.Logs, model.NewLogEntry(level, msg))
}

// fail 统一收口失败路径：补一条 ERROR 日志，打上步骤名并留痕。
func (r *Runner) fail(ctx context.Context, res *model.WorkflowResult, step string, detail *model.Failure) *model.WorkflowResult {
	res.OK = false
	res.Step = step
	res.Detail = detail
	if detail != nil {
		r.log(res, model.LogError, detail.Message)
	}
	r.audit(ctx, res.CaseID, "workflow", step, "failed", detail)
	return res
}

func (r *Runner) audit(ctx context.Context, caseID, eventType, action, status string, detail any) {
	if r.recorder == nil || caseID == "" {
		return
	}
	_ = r.recorder.EnsureCase(ctx, caseID, "", r.operator, "")
	_ = r.recorder.AppendAudit(ctx, caseID, eventType, action, status, r.operator, "workflow.Runner", detail)
}

func (r *Runner) saveRun(ctx context.Context, res *model.WorkflowResult, opts Options, started int64) {
	if r.recorder == nil || opts.CaseID == "" {
		return
	}
	_, _ = r.recorder.SaveWorkflowRun(ctx, model.WorkflowRun{
		CaseID:     opts.CaseID,
		OK:         res.OK,
		Step:       res.Step,
		Serial:     res.Serial,
		Method:     string(opts.Method),
		StartedAt:  started,
		FinishedAt: time.Now().Unix(),
	})
}

func acqStatus(results []model.EvidenceFile) string {
	if model.AcquisitionComplete(results) {
		return "success"
	}
	return "failed"
}

func incompleteSummary(results []model.EvidenceFile) string {
	parts := []string{}
	for _, e := range results {
		if e.Status != model.EvidenceSuccess {
			parts = append(parts, e.LogicalName)
		}
	}
	if len(parts) == 0 {
		return "manifest produced no results"
	}
	return strings.Join(parts, ", ")
}
