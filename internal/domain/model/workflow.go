package model

import "time"

// ConnectionMethod 表示设备接入方式。
type ConnectionMethod string

const (
	// ConnectUSB 表示 USB 直连（无主动连接步骤，只做枚举确认）。
	ConnectUSB ConnectionMethod = "usb"
	// ConnectNetwork 表示网络连接（adb connect host:port）。
	ConnectNetwork ConnectionMethod = "network"
)

// RootCheckMethod 表示 root 判定来源。
type RootCheckMethod string

const (
	// RootBySU 表示 su -c id 输出了 uid=0。
	RootBySU RootCheckMethod = "su"
	// RootByID 表示默认 shell 的 id 即为 uid=0。
	RootByID RootCheckMethod = "id"
	// RootNone 表示未确认 root（未检查或检查未通过）。
	RootNone RootCheckMethod = "none"
)

// Device 表示一次流程内枚举到的设备。只在单次运行中存活，不落库硬件信息。
type Device struct {
	Serial     string           `json:"serial"`
	Method     ConnectionMethod `json:"method"`
	Rooted     bool             `json:"rooted"`
	RootMethod RootCheckMethod  `json:"root_method"`
}

// LogLevel 表示流程日志级别。
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogSuccess LogLevel = "SUCCESS"
	LogError   LogLevel = "ERROR"
)

// LogEntry 是单条流程日志。Timestamp 为 ISO-8601（秒精度）。
type LogEntry struct {
	Timestamp string   `json:"ts"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"msg"`
}

// NewLogEntry 生成当前时刻的流程日志条目。
func NewLogEntry(level LogLevel, msg string) LogEntry {
	return LogEntry{
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
		Level:     level,
		Message:   msg,
	}
}

// FailureKind 是阶段失败的封闭分类（对应错误分级设计）。
type FailureKind string

const (
	// FailBridgeTool 桥接工具本身非零退出（例如 adb devices 失败）。
	FailBridgeTool FailureKind = "bridge_tool_error"
	// FailDecryptTool 解密工具非零退出或产物缺失/为空。
	FailDecryptTool FailureKind = "decrypt_tool_error"
	// FailNoDeviceFound USB 模式下未枚举到任何设备。
	FailNoDeviceFound FailureKind = "no_device_found"
	// FailDeviceNotVisible 网络连接成功后设备仍未出现在枚举中。
	FailDeviceNotVisible FailureKind = "device_not_visible"
	// FailRootAccessDenied 设备未 root，硬性中止。
	FailRootAccessDenied FailureKind = "root_access_denied"
	// FailFileTransfer 单个清单文件的 cp/pull/rm 子进程失败（局部，不中止采集）。
	FailFileTransfer FailureKind = "file_transfer_error"
	// FailMissingInput 解密前置文件缺失。
	FailMissingInput FailureKind = "missing_input"
	// FailToolNotFound 外部工具二进制不存在。
	FailToolNotFound FailureKind = "tool_not_found"
	// FailToolTimeout 外部工具超时。
	FailToolTimeout FailureKind = "tool_timeout"
	// FailValidate 入参校验失败（未触发任何外部进程）。
	FailValidate FailureKind = "invalid_request"
)

// Failure 把一次阶段失败表达为值而不是异常：
// 分类 + 人读消息 + 外部进程的原始诊断输出。
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	ReturnCode int         `json:"returncode,omitempty"`
	Stdout     string      `json:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty"`
}

// WorkflowResult 是一次编排运行的终态输出。
// Step 标识执行停在哪一步（成功为 connected/done，失败为出错步骤名）。
type WorkflowResult struct {
	OK     bool       `json:"ok"`
	Step   string     `json:"step"`
	CaseID string     `json:"case_id,omitempty"`
	Serial string     `json:"serial,omitempty"`
	Rooted bool       `json:"rooted"`
	Logs   []LogEntry `json:"logs"`
	Detail *Failure   `json:"detail,omitempty"`

	Acquisition []EvidenceFile `json:"acquisition,omitempty"`
	Decrypt     *DecryptResult `json:"decrypt,omitempty"`
}

// 编排状态机的对外步骤名。与历史 HTTP 契约保持一致，调用方按字符串匹配。
const (
	StepDevices             = "devices"
	StepValidate            = "validate"
	StepConnect             = "adb_connect"
	StepDevicesAfterConnect = "devices_after_connect"
	StepUSB                 = "usb"
	StepRootCheck           = "root_check"
	StepConnected           = "connected"
	StepAcquisition         = "acquisition"
	StepDecrypt             = "decrypt"
	StepDone                = "done"
)
