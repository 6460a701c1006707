package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"whisper-wa/internal/domain/model"
	"whisper-wa/internal/platform/hash"
	"whisper-wa/internal/platform/id"
)

// Store 封装案件登记库的读写逻辑。
// 流水线本身不依赖 Store：不挂库也能跑一次完整采集。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open 打开（或创建）登记库并应用迁移。
// 单机工具优先稳定性：单连接 + busy_timeout 减少 "database is locked"。
func Open(ctx context.Context, dbPath string) (*sql.DB, *Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := NewMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, NewStore(db), nil
}

// EnsureCase 确保案件存在；重复登记只刷新 updated_at 与非空字段。
func (s *Store) EnsureCase(ctx context.Context, caseID, title, operator, note string) error {
	now := time.Now().Unix()
	if title == "" {
		title = "Case"
	}
	if operator == "" {
		operator = "system"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases(case_id, title, operator, note, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			updated_at=excluded.updated_at,
			title=CASE WHEN excluded.title IS NULL OR excluded.title='' THEN cases.title ELSE excluded.title END,
			note=CASE WHEN excluded.note IS NULL OR excluded.note='' THEN cases.note ELSE excluded.note END
	`, caseID, title, operator, note, now, now)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// ListCases 返回案件列表（按更新时间倒序），附带证据与运行计数。
func (s *Store) ListCases(ctx context.Context, limit, offset int) ([]model.CaseInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.case_id, c.title, c.operator, c.note, c.created_at, c.updated_at,
			(SELECT COUNT(1) FROM evidence_files e WHERE e.case_id = c.case_id),
			(SELECT COUNT(1) FROM workflow_runs r WHERE r.case_id = c.case_id)
		FROM cases c
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	out := []model.CaseInfo{}
	for rows.Next() {
		var c model.CaseInfo
		if err := rows.Scan(&c.CaseID, &c.Title, &c.Operator, &c.Note, &c.CreatedAt, &c.UpdatedAt, &c.EvidenceCount, &c.RunCount); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveEvidenceResults 落库一次采集结果。同一案件同名文件覆盖旧记录，
// 与磁盘上的覆盖语义保持一致（重跑不追加）。
func (s *Store) SaveEvidenceResults(ctx context.Context, caseID string, results []model.EvidenceFile) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save evidence: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evidence_files(
			case_id, logical_name, remote_path, local_path,
			size_bytes, sha256, status, error, cleanup_error, collected_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, logical_name) DO UPDATE SET
			remote_path=excluded.remote_path,
			local_path=excluded.local_path,
			size_bytes=excluded.size_bytes,
			sha256=excluded.sha256,
			status=excluded.status,
			error=excluded.error,
			cleanup_error=excluded.cleanup_error,
			collected_at=excluded.collected_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert evidence: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range results {
		_, err = stmt.ExecContext(ctx,
			caseID, r.LogicalName, r.RemotePath, r.LocalPath,
			r.SizeBytes, r.SHA256, string(r.Status), r.Error, r.CleanupError, now,
		)
		if err != nil {
			return fmt.Errorf("upsert evidence %s: %w", r.LogicalName, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save evidence: %w", err)
	}
	return nil
}

// ListEvidence 返回案件的采集记录（按逻辑名排序）。
func (s *Store) ListEvidence(ctx context.Context, caseID string) ([]model.EvidenceFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_name, remote_path, local_path, size_bytes, sha256, status, error, cleanup_error
		FROM evidence_files
		WHERE case_id = ?
		ORDER BY logical_name
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceFile{}
	for rows.Next() {
		var e model.EvidenceFile
		var status string
		if err := rows.Scan(&e.LogicalName, &e.RemotePath, &e.LocalPath, &e.SizeBytes, &e.SHA256, &status, &e.Error, &e.CleanupError); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		e.Status = model.EvidenceStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveWorkflowRun 记录一次编排运行的终态。
func (s *Store) SaveWorkflowRun(ctx context.Context, run model.WorkflowRun) (string, error) {
	if run.RunID == "" {
		run.RunID = id.New("run")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs(run_id, case_id, ok, step, serial, method, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.CaseID, boolToInt(run.OK), run.Step, run.Serial, run.Method, run.StartedAt, run.FinishedAt)
	if err != nil {
		return "", fmt.Errorf("insert workflow run: %w", err)
	}
	return run.RunID, nil
}

// ListWorkflowRuns 返回案件的运行历史（新的在前）。
func (s *Store) ListWorkflowRuns(ctx context.Context, caseID string, limit int) ([]model.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, case_id, ok, step, serial, method, started_at, finished_at
		FROM workflow_runs
		WHERE case_id = ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query workflow runs: %w", err)
	}
	defer rows.Close()

	out := []model.WorkflowRun{}
	for rows.Next() {
		var r model.WorkflowRun
		var ok int
		if err := rows.Scan(&r.RunID, &r.CaseID, &ok, &r.Step, &r.Serial, &r.Method, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
func (s *Store) AppendAudit(ctx context.Context, caseID, eventType, action, status, actor, source string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			detailJSON = raw
		}
	}

	// 取上一条必须按 seq：occurred_at 只有秒精度，同一秒内的顺序
	// 只有自增序列能保证与写入一致。
	prev := ""
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, caseID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	now := time.Now().Unix()
	eventID := id.New("evt")
	chain := hash.Text(prev, caseID, eventType, action, status, fmt.Sprintf("%d", now), string(detailJSON))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, case_id, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, caseID, eventType, action, status, actor, source, string(detailJSON), now, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// ListAuditLogs 返回案件审计记录，按写入顺序（seq）排列。
// 链路校验按该顺序回放，必须与 AppendAudit 取上一条的顺序完全一致。
func (s *Store) ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, case_id, event_type, action, status, actor, source,
		       detail_json, occurred_at, COALESCE(chain_prev_hash, ''), chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var a model.AuditLog
		if err := rows.Scan(&a.EventID, &a.CaseID, &a.EventType, &a.Action, &a.Status, &a.Actor, &a.Source, &a.DetailJSON, &a.OccurredAt, &a.ChainPrevHash, &a.ChainHash); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
