package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"whisper-wa/internal/domain/model"
)

// Tool 封装对设备桥接工具（adb）的全部子进程调用。
// 每次调用都带显式超时；失败以 model.Failure 值返回，不抛异常。
type Tool struct {
	Path string

	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	ShellTimeout   time.Duration
}

// New 构造桥接工具句柄。path 为空时回退到 PATH 中的 adb。
func New(path string) *Tool {
	if strings.TrimSpace(path) == "" {
		path = "adb"
	}
	return &Tool{
		Path:           path,
		ProbeTimeout:   20 * time.Second,
		ConnectTimeout: 25 * time.Second,
		ShellTimeout:   20 * time.Second,
	}
}

// ExecResult 带回一次子进程调用的原始诊断输出。
type ExecResult struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// run 执行一次桥接工具调用。res 总是带回已捕获的 stdout/stderr；
// fail 非 nil 表示非零退出、二进制缺失或超时。
func (t *Tool) run(ctx context.Context, timeout time.Duration, args ...string) (res ExecResult, fail *model.Failure) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res = ExecResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		return res, nil
	}

	cmdline := t.Path + " " + strings.Join(args, " ")
	var exitErr *exec.ExitError
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.ReturnCode = -1
		return res, &model.Failure{
			Kind:       model.FailToolTimeout,
			Message:    fmt.Sprintf("%s: timeout after %s", cmdline, timeout),
			ReturnCode: res.ReturnCode,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
	case errors.Is(err, exec.ErrNotFound):
		res.ReturnCode = -1
		return res, &model.Failure{
			Kind:    model.FailToolNotFound,
			Message: fmt.Sprintf("bridge tool not found: %s", t.Path),
		}
	case errors.As(err, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		return res, &model.Failure{
			Kind:       model.FailBridgeTool,
			Message:    fmt.Sprintf("%s: exit code %d", cmdline, res.ReturnCode),
			ReturnCode: res.ReturnCode,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
	default:
		res.ReturnCode = -1
		return res, &model.Failure{
			Kind:       model.FailBridgeTool,
			Message:    fmt.Sprintf("%s: %v", cmdline, err),
			ReturnCode: res.ReturnCode,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
	}
}

// ProbeResult 是一次设备枚举的结果。
type ProbeResult struct {
	OK      bool           `json:"ok"`
	Devices []string       `json:"devices"`
	Raw     string         `json:"raw,omitempty"`
	Failure *model.Failure `json:"failure,omitempty"`
}

// ListDevices 枚举处于连接态的设备序列号（保持枚举顺序）。
// 桥接工具非零退出时以 bridge_tool_error 上报，不自动重试。
func (t *Tool) ListDevices(ctx context.Context) ProbeResult {
	res, fail := t.run(ctx, t.ProbeTimeout, "devices")
	if fail != nil {
		return ProbeResult{OK: false, Devices: []string{}, Raw: res.Stdout, Failure: fail}
	}
	return ProbeResult{OK: true, Devices: ParseDevices(res.Stdout), Raw: res.Stdout}
}

// ParseDevices 解析 devices 命令的行式输出：
// 跳过表头行，只保留第二个字段为连接态标记 "device" 的行。
func ParseDevices(raw string) []string {
	devices := []string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 && parts[1] == "device" {
			devices = append(devices, parts[0])
		}
	}
	return devices
}

// ConnectResult 是一次网络连接尝试的结果。
type ConnectResult struct {
	OK         bool           `json:"ok"`
	ReturnCode int            `json:"returncode"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	Failure    *model.Failure `json:"failure,omitempty"`
}

// Connect 执行网络连接（connect host:port）。
// 成功需要退出码为 0 且输出文本含 connected 标记；工具没有结构化输出可依赖。
func (t *Tool) Connect(ctx context.Context, address string) ConnectResult {
	res, fail := t.run(ctx, t.ConnectTimeout, "connect", address)
	out := ConnectResult{
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Failure:    fail,
	}
	out.OK = fail == nil && ConnectIndicated(res.Stdout, res.Stderr)
	return out
}

// ConnectIndicated 判断连接输出是否包含成功标记。
// 大小写不敏感的子串匹配，同时覆盖 "connected" 与 "already connected"。
func ConnectIndicated(stdout, stderr string) bool {
	text := strings.ToLower(stdout + " " + stderr)
	return strings.Contains(text, "connected")
}

// RootStatus 是 root 权限检查结果。
// 检查本身不会失败：子进程出错只会折叠成 Rooted=false。
type RootStatus struct {
	Rooted bool                  `json:"rooted"`
	Method model.RootCheckMethod `json:"method"`
	Stdout string                `json:"stdout,omitempty"`
	Stderr string                `json:"stderr,omitempty"`
}

// RootCheck 按两级判定设备是否有 root 权限：
//  1. shell su -c id 输出 uid=0 → 经 su 提权（method=su）
//  2. 回退 shell id 输出 uid=0 → 默认 shell 即 root（method=id）
//
// 其余情况报告未 root，由编排层决定是否中止。
func (t *Tool) RootCheck(ctx context.Context, serial string) RootStatus {
	base := []string{}
	if serial != "" {
		base = append(base, "-s", serial)
	}

	suRes, suFail := t.run(ctx, t.ShellTimeout, append(base, "shell", "su", "-c", "id")...)
	if suFail == nil && IsRootIdentity(suRes.Stdout) {
		return RootStatus{Rooted: true, Method: model.RootBySU, Stdout: suRes.Stdout, Stderr: suRes.Stderr}
	}

	idRes, idFail := t.run(ctx, t.ShellTimeout, append(base, "shell", "id")...)
	if idFail == nil && IsRootIdentity(idRes.Stdout) {
		return RootStatus{Rooted: true, Method: model.RootByID, Stdout: idRes.Stdout, Stderr: idRes.Stderr}
	}

	out := RootStatus{Rooted: false, Method: model.RootNone}
	out.Stdout = firstNonEmpty(suRes.Stdout, idRes.Stdout)
	out.Stderr = firstNonEmpty(suRes.Stderr, idRes.Stderr)
	return out
}

// IsRootIdentity 判断 id 命令输出是否为 root 身份。
func IsRootIdentity(out string) bool {
	return strings.Contains(out, "uid=0")
}

// ShellCopy 用提权 shell 把设备上的受保护文件复制到全局可读的中转路径。
func (t *Tool) ShellCopy(ctx context.Context, serial, remote, staging string) *model.Failure {
	args := shellArgs(serial, "su", "-c", fmt.Sprintf("cp %s %s", remote, staging))
	_, fail := t.run(ctx, t.ShellTimeout, args...)
	return fail
}

// Pull 把中转路径上的文件传输到本地。
func (t *Tool) Pull(ctx context.Context, staging, local string) *model.Failure {
	_, fail := t.run(ctx, t.ShellTimeout, "pull", staging, local)
	return fail
}

// ShellRemove 删除设备上的中转文件。调用方按 best-effort 处理返回值。
func (t *Tool) ShellRemove(ctx context.Context, serial, staging string) *model.Failure {
	args := shellArgs(serial, "rm", staging)
	_, fail := t.run(ctx, t.ShellTimeout, args...)
	return fail
}

func shellArgs(serial string, cmd ...string) []string {
	args := []string{}
	if serial != "" {
		args = append(args, "-s", serial)
	}
	args = append(args, "shell")
	return append(args, cmd...)
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
