package model

// EvidenceStatus 表示单个清单文件的采集结果。
type EvidenceStatus string

const (
	EvidencePending EvidenceStatus = "pending"
	EvidenceSuccess EvidenceStatus = "success"
	EvidenceFailed  EvidenceStatus = "failed"
)

// EvidenceFile 表示一条证据文件的采集结果。
// Status 为 success 时，LocalPath 必然存在、非空，且 SHA256/SizeBytes
// 是在 cp+pull+清理 完整序列之后计算的。
type EvidenceFile struct {
	LogicalName string         `json:"file"`
	RemotePath  string         `json:"remote_path"`
	LocalPath   string         `json:"local_path,omitempty"`
	SizeBytes   int64          `json:"size_bytes,omitempty"`
	SHA256      string         `json:"sha256,omitempty"`
	Status      EvidenceStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	// CleanupError 记录设备端临时文件清理失败。清理是 best-effort，
	// 不影响 Status 判定。
	CleanupError string `json:"cleanup_error,omitempty"`
}

// RequiredEvidence 是解密所需的两个清单文件名。
// 两者都 success 采集才算成立，否则解密无法进行。
var RequiredEvidence = []string{"msgstore.db.crypt14", "key"}

// AcquisitionComplete 判定一次采集是否满足解密前置：
// key 与加密库文件都必须 success。
func AcquisitionComplete(results []EvidenceFile) bool {
	ok := map[string]bool{}
	for _, r := range results {
		if r.Status == EvidenceSuccess {
			ok[r.LogicalName] = true
		}
	}
	for _, name := range RequiredEvidence {
		if !ok[name] {
			return false
		}
	}
	return true
}

// DecryptResult 是外部解密调用的结果。
type DecryptResult struct {
	OK            bool     `json:"ok"`
	CaseID        string   `json:"case_id"`
	DecryptedPath string   `json:"decrypted_db,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
	Stdout        string   `json:"stdout,omitempty"`
	Stderr        string   `json:"stderr,omitempty"`
	Failure       *Failure `json:"error,omitempty"`
}

// AuditLog 是链式审计日志的一条记录（对应 audit_logs 表）。
type AuditLog struct {
	EventID       string `json:"event_id"`
	CaseID        string `json:"case_id"`
	EventType     string `json:"event_type"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	Actor         string `json:"actor"`
	Source        string `json:"source"`
	DetailJSON    string `json:"detail_json"`
	OccurredAt    int64  `json:"occurred_at"`
	ChainPrevHash string `json:"chain_prev_hash,omitempty"`
	ChainHash     string `json:"chain_hash"`
}

// CaseInfo 是案件登记信息（对应 cases 表）。
type CaseInfo struct {
	CaseID        string `json:"case_id"`
	Title         string `json:"title"`
	Operator      string `json:"operator"`
	Note          string `json:"note,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	EvidenceCount int    `json:"evidence_count"`
	RunCount      int    `json:"run_count"`
}

// WorkflowRun 是一次编排运行的落库记录（对应 workflow_runs 表）。
type WorkflowRun struct {
	RunID      string `json:"run_id"`
	CaseID     string `json:"case_id"`
	OK         bool   `json:"ok"`
	Step       string `json:"step"`
	Serial     string `json:"serial,omitempty"`
	Method     string `json:"method,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
}
