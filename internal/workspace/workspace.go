package workspace

// ============================================================================
// 職責說明：
// 1. 管理每個 job 的工作目錄 WORKSPACE/{job_id}/
// 2. 使用原子性寫入（temp file + rename）防止檔案損壞
// 3. 保存 job 快照（job.json），載入時驗證 schema 版本
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("job snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("job snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("job snapshot file not found")
	ErrInvalidJobID        = errors.New("invalid job id")
)

// SchemaVersion job.json 目前的版本號
const SchemaVersion = 1

// JobSnapshotFile 每個 job 目錄下的快照檔名
const JobSnapshotFile = "job.json"

// ============================================================================
// 資料結構定義
// ============================================================================

// JobSnapshot job 的持久化摘要
type JobSnapshot struct {
	SchemaVer int               `json:"schema_ver"`
	JobID     string            `json:"job_id"`
	Status    types.JobStatus   `json:"status"`
	StartTime time.Time         `json:"start_time"`
	TimeCosts float64           `json:"time_costs"`
	Error     string            `json:"error,omitempty"`
	Request   *types.JobRequest `json:"request,omitempty"`
}

// Manager 工作目錄管理器
type Manager struct {
	root string     // 工作目錄根路徑
	mu   sync.Mutex // 保護同一檔案的並發寫入
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立工作目錄管理器，root 不存在時建立
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root 根路徑
func (m *Manager) Root() string {
	return m.root
}

// JobDir 回傳並建立 job 目錄
func (m *Manager) JobDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	dir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	return dir, nil
}

// WriteFileAtomic 原子性寫入檔案
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換目標檔案
func (m *Manager) WriteFileAtomic(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJobFile 原子性寫入 WORKSPACE/{job}/{name}
func (m *Manager) WriteJobFile(jobID, name string, data []byte) (string, error) {
	dir, err := m.JobDir(jobID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := m.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SaveJob 寫入 job 快照
func (m *Manager) SaveJob(snap JobSnapshot) error {
	snap.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}
	_, err = m.WriteJobFile(snap.JobID, JobSnapshotFile, b)
	return err
}

// LoadJob 載入 job 快照
//
// 行為：
//   - 檔案不存在回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
func (m *Manager) LoadJob(jobID string) (*JobSnapshot, error) {
	if _, err := m.JobDir(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(m.root, jobID, JobSnapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to read job snapshot: %w", err)
	}

	var snap JobSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVer, SchemaVersion)
	}
	return &snap, nil
}

// RemoveJob 刪除 job 目錄
func (m *Manager) RemoveJob(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return os.RemoveAll(filepath.Join(m.root, jobID))
}

// ListJobs 列出含有快照的 job id（依名稱排序）
func (m *Manager) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.root, e.Name(), JobSnapshotFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
