package acqreport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "whisper-wa/internal/adapters/store/sqlite"
	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
	"whisper-wa/internal/platform/hash"
	"whisper-wa/internal/services/auditverify"

	"github.com/phpdave11/gofpdf"
)

// 采集 PDF 报告
//
// 输出一个可归档的 PDF：案件信息、证据文件哈希表、运行历史、审计链摘要。
// PDF 是二进制产物，放在案件目录下的 Reports/，由下载接口或文件系统取用。

type Options struct {
	CaseID   string
	Operator string
	Note     string
}

type Result struct {
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const generatorVer = "acqreport-0.1.0"

// Generate 生成采集报告 PDF 并写入 audit_logs 留痕。
func Generate(ctx context.Context, store *sqliteadapter.Store, cfg app.Config, opts Options) (*Result, error) {
	caseID := strings.TrimSpace(opts.CaseID)
	if caseID == "" {
		return nil, fmt.Errorf("case_id is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	warnings := []string{}

	evidence, err := store.ListEvidence(ctx, caseID)
	if err != nil {
		warnings = append(warnings, "list evidence failed: "+err.Error())
		evidence = []model.EvidenceFile{}
	}
	runs, err := store.ListWorkflowRuns(ctx, caseID, 50)
	if err != nil {
		warnings = append(warnings, "list runs failed: "+err.Error())
		runs = []model.WorkflowRun{}
	}
	audits, err := store.ListAuditLogs(ctx, caseID, 5000)
	if err != nil {
		warnings = append(warnings, "list audits failed: "+err.Error())
		audits = []model.AuditLog{}
	}
	chain := auditverify.VerifyAuditLogs(audits)

	now := time.Now().Unix()
	reportDir := filepath.Join(cfg.CaseDir(caseID), "Reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("%s_acquisition_%d.pdf", caseID, now))

	pdf, utf8OK := buildPDF(caseID, operator, opts.Note, evidence, runs, chain, warnings, now)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	_ = store.AppendAudit(ctx, caseID, "export", "acquisition_pdf", "success", operator, "acqreport.Generate", map[string]any{
		"pdf":            pdfPath,
		"pdf_sha256":     sum,
		"evidence_count": len(evidence),
		"run_count":      len(runs),
		"chain_ok":       chain.OK,
		"warnings":       warnings,
	})

	return &Result{
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	caseID, operator, note string,
	evidence []model.EvidenceFile,
	runs []model.WorkflowRun,
	chain auditverify.Result,
	warnings []string,
	generatedAt int64,
) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Whisper-WA - Acquisition Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Whisper-WA - Evidence Acquisition Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Case")
	kv(pdf, fontFamily, utf8OK, "Case ID", caseID)
	kv(pdf, fontFamily, utf8OK, "Evidence Files", fmt.Sprintf("%d", len(evidence)))
	kv(pdf, fontFamily, utf8OK, "Workflow Runs", fmt.Sprintf("%d", len(runs)))
	kv(pdf, fontFamily, utf8OK, "Audit Chain", chainSummary(chain))
	if chain.LastChainHash != "" {
		kv(pdf, fontFamily, utf8OK, "Audit Last Hash", chain.LastChainHash)
	}
	pdf.Ln(2)

	if len(warnings) > 0 || !utf8OK {
		localWarnings := append([]string{}, warnings...)
		if !utf8OK {
			localWarnings = append(localWarnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
		}
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range localWarnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Evidence Files")
	if len(evidence) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, e := range evidence {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s", safeText(e.LogicalName, utf8OK), strings.ToUpper(string(e.Status))), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("remote: %s", safeText(e.RemotePath, utf8OK)), "", "L", false)
			if e.Status == model.EvidenceSuccess {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("local: %s (%d bytes)", safeText(e.LocalPath, utf8OK), e.SizeBytes), "", "L", false)
				pdf.MultiCell(0, 4.5, fmt.Sprintf("sha256: %s", e.SHA256), "", "L", false)
			} else if e.Error != "" {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("error: %s", safeText(e.Error, utf8OK)), "", "L", false)
			}
			if e.CleanupError != "" {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("staging cleanup: %s", safeText(e.CleanupError, utf8OK)), "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "3. Workflow Runs")
	if len(runs) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, r := range runs {
			status := "FAILED"
			if r.OK {
				status = "OK"
			}
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(30, 30, 30)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("[%s] step=%s method=%s serial=%s %s -> %s",
				status,
				safeText(r.Step, utf8OK),
				safeText(r.Method, utf8OK),
				safeText(r.Serial, utf8OK),
				fmtTime(r.StartedAt),
				fmtTime(r.FinishedAt),
			), "", "L", false)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: SHA-256 digests are computed over the pulled local files. Verify against an independent digest before relying on this report.", "", "L", false)
	pdf.MultiCell(0, 4.5, "Generator: "+generatorVer, "", "L", false)

	return pdf, utf8OK
}

func chainSummary(chain auditverify.Result) string {
	if chain.Total == 0 {
		return "no audit records"
	}
	if chain.OK {
		return fmt.Sprintf("intact (%d records)", chain.Total)
	}
	return fmt.Sprintf("BROKEN (%d/%d records failed)", chain.Failed, chain.Total)
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType）。
// 1) 环境变量 WHISPER_WA_PDF_FONT 指定的文件优先。
// 2) 否则按常见系统字体路径探测。
// 3) 都失败则回退 Helvetica，由 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("WHISPER_WA_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
