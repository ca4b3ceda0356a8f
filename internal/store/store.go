// ============================================================================
// ppc-flow JobWorkerStore - job/worker 持久化
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 以 (job_id, worker_id) 為鍵保存 worker 描述、狀態與輸出
//
// 狀態規則:
//   - InsertIfAbsent 已存在時保留原資料，不覆寫
//   - 狀態離開 PENDING 後不可回到 PENDING
//   - SUCCESS 為最終狀態（重跑時回放 outputs）
//   - FAILURE / KILLED / TIMEOUT 允許重跑後轉為 RUNNING / SUCCESS
//
// 後端:
//   - sqlite.go: modernc.org/sqlite（單節點、測試）
//   - mysql.go: go-sql-driver/mysql（多節點部署）
//
// 資料表:
//   job_worker(job_id, worker_id, type, status, args, upstreams,
//              inputs_statement, outputs, create_time, update_time)
//   列表欄位以 JSON 文字保存，時間為 Unix 毫秒。
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStatusRegression 狀態回退（回到 PENDING 或離開 SUCCESS）
	ErrStatusRegression = errors.New("worker status regression")
)

// ============================================================================
// 介面定義
// ============================================================================

// Record 一筆 job/worker 資料
type Record = types.WorkerRecord

// Store job/worker 持久化介面
type Store interface {
	// InsertIfAbsent 插入 worker；已存在時返回 (false, nil) 並保留原資料
	InsertIfAbsent(ctx context.Context, w *types.WorkerContext) (bool, error)

	// Get 讀取一筆資料，不存在返回 NotFound
	Get(ctx context.Context, jobID, workerID string) (*Record, error)

	// UpdateStatusAndOutputs 在單一交易中更新狀態與輸出
	//
	// outputs 為 nil 時保留原輸出。
	UpdateStatusAndOutputs(ctx context.Context, jobID, workerID string, status types.WorkerStatus, outputs []string) error

	// ListByJob 依 worker_id 排序列出 job 的所有 worker
	ListByJob(ctx context.Context, jobID string) ([]*Record, error)

	Close() error
}

// CheckTransition 檢查狀態轉移是否合法
func CheckTransition(from, to types.WorkerStatus) error {
	if !to.Valid() {
		return ppcerr.Newf(ppcerr.KindValidation, "unknown worker status %q", to)
	}
	if to == types.WorkerPending && from != types.WorkerPending {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, from, to)
	}
	if from == types.WorkerSuccess && to != types.WorkerSuccess {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, from, to)
	}
	return nil
}

// ============================================================================
// SQL 共用實作
// ============================================================================

// dialect 後端差異
type dialect struct {
	name string

	// insertSQL 插入語句，使用 ? 佔位符
	insertSQL string

	// selectForUpdate 交易內讀取狀態的語句
	selectForUpdate string

	// inserted 判斷插入是否生效；返回 (false, nil) 表示鍵已存在
	inserted func(res sql.Result, err error) (bool, error)
}

const columns = `job_id, worker_id, type, status, args, upstreams, inputs_statement, outputs, create_time, update_time`

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// Compile-time interface assertion.
var _ Store = (*sqlStore)(nil)

func (s *sqlStore) InsertIfAbsent(ctx context.Context, w *types.WorkerContext) (bool, error) {
	if w == nil || w.JobID == "" || w.WorkerID == "" {
		return false, ppcerr.New(ppcerr.KindValidation, "worker context requires job_id and worker_id")
	}
	status := w.Status
	if status == "" {
		status = types.WorkerPending
	}
	args, err := types.EncodeArgs(w.Args)
	if err != nil {
		return false, ppcerr.Wrap(ppcerr.KindValidation, err, "encode worker args")
	}
	upstreams, err := marshalList(w.Upstreams)
	if err != nil {
		return false, err
	}
	inputs, err := marshalList(w.InputsStatement)
	if err != nil {
		return false, err
	}
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, s.dialect.insertSQL,
		w.JobID, w.WorkerID, string(w.Type), string(status), string(args),
		upstreams, inputs, "[]", now, now)
	inserted, err := s.dialect.inserted(res, err)
	if err != nil {
		return false, fmt.Errorf("insert worker %s/%s: %w", w.JobID, w.WorkerID, err)
	}
	if !inserted {
		log.Debug("Worker already persisted", "job", w.JobID, "worker", w.WorkerID)
	}
	return inserted, nil
}

func (s *sqlStore) Get(ctx context.Context, jobID, workerID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM job_worker WHERE job_id = ? AND worker_id = ?`, jobID, workerID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ppcerr.Newf(ppcerr.KindNotFound, "worker %s/%s not found", jobID, workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s/%s: %w", jobID, workerID, err)
	}
	return rec, nil
}

func (s *sqlStore) UpdateStatusAndOutputs(ctx context.Context, jobID, workerID string, status types.WorkerStatus, outputs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, s.dialect.selectForUpdate, jobID, workerID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ppcerr.Newf(ppcerr.KindNotFound, "worker %s/%s not found", jobID, workerID)
	}
	if err != nil {
		return fmt.Errorf("read worker status: %w", err)
	}
	if err := CheckTransition(types.WorkerStatus(current), status); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if outputs == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE job_worker SET status = ?, update_time = ? WHERE job_id = ? AND worker_id = ?`,
			string(status), now, jobID, workerID)
	} else {
		var out string
		out, err = marshalList(outputs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE job_worker SET status = ?, outputs = ?, update_time = ? WHERE job_id = ? AND worker_id = ?`,
			string(status), out, now, jobID, workerID)
	}
	if err != nil {
		return fmt.Errorf("update worker %s/%s: %w", jobID, workerID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debug("Worker status updated", "job", jobID, "worker", workerID, "from", current, "to", status)
	return nil
}

func (s *sqlStore) ListByJob(ctx context.Context, jobID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM job_worker WHERE job_id = ? ORDER BY worker_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list workers of %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// 輔助函數
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var typ, status, args, upstreams, inputs, outputs string
	var createMillis, updateMillis int64
	if err := sc.Scan(&rec.JobID, &rec.WorkerID, &typ, &status, &args, &upstreams, &inputs,
		&outputs, &createMillis, &updateMillis); err != nil {
		return nil, err
	}
	rec.Type = types.WorkerType(typ)
	rec.Status = types.WorkerStatus(status)

	decoded, err := types.DecodeArgs(rec.Type, []byte(args))
	if err != nil {
		return nil, fmt.Errorf("decode args of %s: %w", rec.WorkerID, err)
	}
	rec.Args = decoded
	if err := json.Unmarshal([]byte(upstreams), &rec.Upstreams); err != nil {
		return nil, fmt.Errorf("decode upstreams of %s: %w", rec.WorkerID, err)
	}
	if err := json.Unmarshal([]byte(inputs), &rec.InputsStatement); err != nil {
		return nil, fmt.Errorf("decode inputs_statement of %s: %w", rec.WorkerID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of %s: %w", rec.WorkerID, err)
	}
	if len(rec.Upstreams) == 0 {
		rec.Upstreams = nil
	}
	if len(rec.InputsStatement) == 0 {
		rec.InputsStatement = nil
	}
	if len(rec.Outputs) == 0 {
		rec.Outputs = nil
	}
	rec.CreateTime = time.UnixMilli(createMillis)
	rec.UpdateTime = time.UnixMilli(updateMillis)
	return &rec, nil
}

// marshalList nil 切片存為 []
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(b), nil
}
