package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"whisper-wa/internal/adapters/bridge"
	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
)

// fakeGateway 记录调用次数，按预置结果应答。
type fakeGateway struct {
	probes  []bridge.ProbeResult
	connect bridge.ConnectResult
	root    bridge.RootStatus

	probeCalls   int
	connectCalls int
	rootCalls    int
}

func (g *fakeGateway) ListDevices(context.Context) bridge.ProbeResult {
	g.probeCalls++
	if len(g.probes) == 0 {
		return bridge.ProbeResult{OK: true, Devices: []string{}}
	}
	p := g.probes[0]
	if len(g.probes) > 1 {
		g.probes = g.probes[1:]
	}
	return p
}

func (g *fakeGateway) Connect(context.Context, string) bridge.ConnectResult {
	g.connectCalls++
	return g.connect
}

func (g *fakeGateway) RootCheck(context.Context, string) bridge.RootStatus {
	g.rootCalls++
	return g.root
}

type fakePuller struct {
	results []model.EvidenceFile
	calls   int
}

func (p *fakePuller) Pull(context.Context, string, string) ([]model.EvidenceFile, error) {
	p.calls++
	return p.results, nil
}

type fakeDecryptor struct {
	result     model.DecryptResult
	calls      int
	gotTool    string
	gotTimeout time.Duration
}

func (d *fakeDecryptor) Run(_ context.Context, _ string, toolPath string, timeout time.Duration) model.DecryptResult {
	d.calls++
	d.gotTool = toolPath
	d.gotTimeout = timeout
	return d.result
}

func okEvidence() []model.EvidenceFile {
	return []model.EvidenceFile{
		{LogicalName: "msgstore.db.crypt14", Status: model.EvidenceSuccess, SHA256: "aa", SizeBytes: 10},
		{LogicalName: "key", Status: model.EvidenceSuccess, SHA256: "bb", SizeBytes: 158},
	}
}

func rootedGateway(devices ...string) *fakeGateway {
	return &fakeGateway{
		probes: []bridge.ProbeResult{{OK: true, Devices: devices}},
		root:   bridge.RootStatus{Rooted: true, Method: model.RootBySU, Stdout: "uid=0(root)"},
	}
}

func newTestRunner(g *fakeGateway, p *fakePuller, d *fakeDecryptor) *Runner {
	return New(app.DefaultConfig(), g, p, d, nil)
}

func TestCheckAndConnect_NetworkWithoutAddressFailsBeforeAnyProbe(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectNetwork, "  ", "Case_001")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepValidate {
		t.Fatalf("step=%s, want %s", res.Step, model.StepValidate)
	}
	if res.Detail.Kind != model.FailValidate {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailValidate)
	}
	// 校验失败不允许触发任何外部调用
	if g.probeCalls != 0 || g.connectCalls != 0 || g.rootCalls != 0 {
		t.Fatalf("gateway was called during validation failure: %+v", g)
	}
}

func TestCheckAndConnect_UnknownMethod(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), "bluetooth", "", "Case_001")
	if res.OK || res.Step != model.StepValidate || res.Detail.Kind != model.FailValidate {
		t.Fatalf("unexpected result: %+v", res)
	}
	if g.probeCalls != 0 {
		t.Fatalf("probe must not run for invalid method")
	}
}

func TestCheckAndConnect_USBNoDevice(t *testing.T) {
	g := &fakeGateway{probes: []bridge.ProbeResult{{OK: true, Devices: []string{}}}}
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectUSB, "", "Case_001")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepUSB {
		t.Fatalf("step=%s, want %s", res.Step, model.StepUSB)
	}
	if res.Detail.Kind != model.FailNoDeviceFound {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailNoDeviceFound)
	}
	if !strings.Contains(res.Detail.Message, "USB Debugging") {
		t.Fatalf("message should guide the operator: %s", res.Detail.Message)
	}
}

func TestCheckAndConnect_ProbeFailure(t *testing.T) {
	g := &fakeGateway{probes: []bridge.ProbeResult{{
		OK:      false,
		Failure: &model.Failure{Kind: model.FailBridgeTool, Message: "adb devices: exit code 1"},
	}}}
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectUSB, "", "Case_001")
	if res.OK || res.Step != model.StepDevices {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Detail.Kind != model.FailBridgeTool {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailBridgeTool)
	}
}

func TestCheckAndConnect_NetworkConnectFailureSkipsRootCheck(t *testing.T) {
	g := &fakeGateway{
		probes:  []bridge.ProbeResult{{OK: true, Devices: []string{}}},
		connect: bridge.ConnectResult{OK: false, Stdout: "failed to connect to 10.0.0.2:5555", ReturnCode: 1},
	}
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectNetwork, "10.0.0.2:5555", "Case_001")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepConnect {
		t.Fatalf("step=%s, want %s", res.Step, model.StepConnect)
	}
	if g.rootCalls != 0 {
		t.Fatalf("root check must not run after a failed connect")
	}
	if res.Detail.Stdout != "failed to connect to 10.0.0.2:5555" {
		t.Fatalf("diagnostic stdout should be preserved: %+v", res.Detail)
	}
}

func TestCheckAndConnect_NetworkDeviceStillNotVisible(t *testing.T) {
	g := &fakeGateway{
		probes: []bridge.ProbeResult{
			{OK: true, Devices: []string{}},
			{OK: true, Devices: []string{}}, // connect 后复查仍为空
		},
		connect: bridge.ConnectResult{OK: true, Stdout: "connected to 10.0.0.2:5555"},
	}
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectNetwork, "10.0.0.2:5555", "Case_001")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepDevicesAfterConnect {
		t.Fatalf("step=%s, want %s", res.Step, model.StepDevicesAfterConnect)
	}
	if res.Detail.Kind != model.FailDeviceNotVisible {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailDeviceNotVisible)
	}
	if g.probeCalls != 2 {
		t.Fatalf("probe calls=%d, want 2", g.probeCalls)
	}
}

func TestCheckAndConnect_NotRooted(t *testing.T) {
	g := &fakeGateway{
		probes: []bridge.ProbeResult{{OK: true, Devices: []string{"R58MA0ABCDE"}}},
		root:   bridge.RootStatus{Rooted: false, Method: model.RootNone, Stdout: "uid=2000(shell)"},
	}
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectUSB, "", "Case_001")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepRootCheck {
		t.Fatalf("step=%s, want %s", res.Step, model.StepRootCheck)
	}
	if res.Detail.Kind != model.FailRootAccessDenied {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailRootAccessDenied)
	}
	// 序列号在失败结果中保留，便于排障
	if res.Serial != "R58MA0ABCDE" {
		t.Fatalf("serial=%s, want R58MA0ABCDE", res.Serial)
	}
	hasErrorLog := false
	for _, l := range res.Logs {
		if l.Level == model.LogError {
			hasErrorLog = true
		}
	}
	if !hasErrorLog {
		t.Fatalf("root denial should emit an ERROR log: %+v", res.Logs)
	}
}

func TestCheckAndConnect_USBSuccess(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE", "emulator-5554")
	r := newTestRunner(g, &fakePuller{}, &fakeDecryptor{})

	res := r.CheckAndConnect(context.Background(), model.ConnectUSB, "", "Case_001")
	if !res.OK {
		t.Fatalf("expected success: %+v", res.Detail)
	}
	if res.Step != model.StepConnected {
		t.Fatalf("step=%s, want %s", res.Step, model.StepConnected)
	}
	// 多设备时固定选第一台
	if res.Serial != "R58MA0ABCDE" {
		t.Fatalf("serial=%s, want first enumerated device", res.Serial)
	}
	if !res.Rooted {
		t.Fatalf("rooted flag not set")
	}
}

func TestRunFullWorkflow_Done(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true, CaseID: "Case_001", DecryptedPath: "x/msgstore_decrypted.db"}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if !res.OK {
		t.Fatalf("expected success: %+v", res.Detail)
	}
	if res.Step != model.StepDone {
		t.Fatalf("step=%s, want %s", res.Step, model.StepDone)
	}
	if p.calls != 1 || d.calls != 1 {
		t.Fatalf("pull calls=%d decrypt calls=%d, want 1/1", p.calls, d.calls)
	}
	if len(res.Acquisition) != 2 || res.Decrypt == nil || !res.Decrypt.OK {
		t.Fatalf("result should embed stage outputs: %+v", res)
	}
}

func TestRunFullWorkflow_ConnectFailureShortCircuits(t *testing.T) {
	g := &fakeGateway{probes: []bridge.ProbeResult{{OK: true, Devices: []string{}}}}
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if res.OK || res.Step != model.StepUSB {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.calls != 0 || d.calls != 0 {
		t.Fatalf("later stages must not run after connect failure")
	}
}

func TestRunFullWorkflow_DecryptDefaultsFromConfig(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true, DecryptedPath: "x"}}
	cfg := app.DefaultConfig()
	r := New(cfg, g, p, d, nil)

	// 入参留空时取配置里的工具路径与超时
	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if !res.OK {
		t.Fatalf("expected success: %+v", res.Detail)
	}
	if d.gotTool != cfg.DecryptToolPath {
		t.Fatalf("tool=%q, want config default %q", d.gotTool, cfg.DecryptToolPath)
	}
	if d.gotTimeout != cfg.DecryptTimeout {
		t.Fatalf("timeout=%v, want config default %v", d.gotTimeout, cfg.DecryptTimeout)
	}
}

func TestRunFullWorkflow_DecryptExplicitOptionsWin(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true, DecryptedPath: "x"}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{
		Method:          model.ConnectUSB,
		CaseID:          "Case_001",
		DecryptToolPath: "/opt/forensics/wadecrypt",
		DecryptTimeout:  30 * time.Second,
	})
	if !res.OK {
		t.Fatalf("expected success: %+v", res.Detail)
	}
	if d.gotTool != "/opt/forensics/wadecrypt" {
		t.Fatalf("tool=%q, explicit option must not be overridden", d.gotTool)
	}
	if d.gotTimeout != 30*time.Second {
		t.Fatalf("timeout=%v, explicit option must not be overridden", d.gotTimeout)
	}
}

func TestRunFullWorkflow_NotRootedSkipsAcquisition(t *testing.T) {
	g := &fakeGateway{
		probes: []bridge.ProbeResult{{OK: true, Devices: []string{"R58MA0ABCDE"}}},
		root:   bridge.RootStatus{Rooted: false, Method: model.RootNone},
	}
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if res.OK || res.Step != model.StepRootCheck {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.calls != 0 || d.calls != 0 {
		t.Fatalf("acquisition/decrypt must not run on an unrooted device")
	}
}

func TestRunFullWorkflow_PartialAcquisitionBlocksDecrypt(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: []model.EvidenceFile{
		{LogicalName: "msgstore.db.crypt14", Status: model.EvidenceSuccess, SHA256: "aa", SizeBytes: 10},
		{LogicalName: "key", Status: model.EvidenceFailed, Error: "cp: permission denied"},
	}}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepAcquisition {
		t.Fatalf("step=%s, want %s", res.Step, model.StepAcquisition)
	}
	if res.Detail.Kind != model.FailFileTransfer {
		t.Fatalf("kind=%s, want %s", res.Detail.Kind, model.FailFileTransfer)
	}
	if !strings.Contains(res.Detail.Message, "key") {
		t.Fatalf("message should name the incomplete file: %s", res.Detail.Message)
	}
	if d.calls != 0 {
		t.Fatalf("decrypt must not run on incomplete evidence")
	}
	// 逐文件结果仍随失败结果带回
	if len(res.Acquisition) != 2 {
		t.Fatalf("acquisition results should be preserved: %+v", res.Acquisition)
	}
}

func TestRunFullWorkflow_DecryptFailure(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{
		OK:      false,
		Failure: &model.Failure{Kind: model.FailMissingInput, Message: "missing key file: Cases/Case_001/Evidence/key"},
	}}
	r := newTestRunner(g, p, d)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Step != model.StepDecrypt {
		t.Fatalf("step=%s, want %s", res.Step, model.StepDecrypt)
	}
	if res.Detail == nil || res.Detail.Kind != model.FailMissingInput {
		t.Fatalf("detail should come from the decryptor: %+v", res.Detail)
	}
}

// recorderSpy 验证留痕调用，不校验 SQL 层。
type recorderSpy struct {
	audits []string
	runs   []model.WorkflowRun
}

func (r *recorderSpy) EnsureCase(context.Context, string, string, string, string) error { return nil }
func (r *recorderSpy) SaveEvidenceResults(context.Context, string, []model.EvidenceFile) error {
	return nil
}
func (r *recorderSpy) SaveWorkflowRun(_ context.Context, run model.WorkflowRun) (string, error) {
	r.runs = append(r.runs, run)
	return "run_1", nil
}
func (r *recorderSpy) AppendAudit(_ context.Context, _, eventType, action, status, _, _ string, _ any) error {
	r.audits = append(r.audits, eventType+"/"+action+"/"+status)
	return nil
}

func TestRunFullWorkflow_RecordsRunAndAudit(t *testing.T) {
	g := rootedGateway("R58MA0ABCDE")
	p := &fakePuller{results: okEvidence()}
	d := &fakeDecryptor{result: model.DecryptResult{OK: true, DecryptedPath: "x"}}
	rec := &recorderSpy{}
	r := New(app.DefaultConfig(), g, p, d, rec)

	res := r.RunFullWorkflow(context.Background(), Options{Method: model.ConnectUSB, CaseID: "Case_001"})
	if !res.OK {
		t.Fatalf("expected success: %+v", res.Detail)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("runs recorded=%d, want 1", len(rec.runs))
	}
	run := rec.runs[0]
	if !run.OK || run.Step != model.StepDone || run.CaseID != "Case_001" || run.Serial != "R58MA0ABCDE" {
		t.Fatalf("unexpected run record: %+v", run)
	}

	want := []string{"connect/usb/success", "acquisition/pull_manifest/success", "decrypt/run_tool/success"}
	if len(rec.audits) != len(want) {
		t.Fatalf("audit events=%v, want %v", rec.audits, want)
	}
	for i := range want {
		if rec.audits[i] != want[i] {
			t.Fatalf("audit[%d]=%s, want %s", i, rec.audits[i], want[i])
		}
	}
}
