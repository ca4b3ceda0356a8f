// ============================================================================
// ppc-flow Blob Store - job 產物的遠端儲存
// ============================================================================
//
// Package: internal/storage/blob
// 文件: blob.go
// 功能: 定義遠端儲存介面，提供檔案系統與 S3 兩種實作
//
// 用途:
//   - scheduler 上傳 workflow 視圖
//   - worker 的輸入/輸出檔案在本機 workspace 與遠端之間搬移
//
// 路徑:
//   key 一律使用 "/" 分隔的相對路徑，例如 "{job_id}/workflow_view.svg"
//
// ============================================================================

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound   = errors.New("blob: object not found")
	ErrInvalidKey = errors.New("blob: invalid key")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 遠端儲存
type Store interface {
	// Put 寫入物件，已存在則覆寫
	Put(ctx context.Context, key string, r io.Reader) error
	// Get 讀取物件，不存在回傳 ErrNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete 刪除物件，不存在不視為錯誤
	Delete(ctx context.Context, key string) error
	Rename(ctx context.Context, from, to string) error
}

// ============================================================================
// 共用輔助函數
// ============================================================================

// CleanKey 正規化 key 並拒絕逃逸根目錄的路徑
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	k := path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(key, `\`, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return k, nil
}

// SaveData 寫入一段資料
func SaveData(ctx context.Context, s Store, key string, data []byte) error {
	return s.Put(ctx, key, bytes.NewReader(data))
}

// GetData 讀取整個物件
func GetData(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// UploadFile 上傳本機檔案
func UploadFile(ctx context.Context, s Store, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := s.Put(ctx, key, f); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	log.Debug("Uploaded file", "local", localPath, "key", key)
	return nil
}

// DownloadFile 下載物件到本機檔案（先寫 .tmp 再 rename）
func DownloadFile(ctx context.Context, s Store, key, localPath string) error {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := localPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	log.Debug("Downloaded file", "key", key, "local", localPath)
	return nil
}
