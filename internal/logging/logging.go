// Package logging 安裝程序的 slog 預設 handler
//
// 日誌同時寫到 stderr 與程序日誌檔，model task 的日誌擷取讀取的就是這個檔案。
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options 日誌設定
type Options struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string // 空值時只寫 stderr
}

// ParseLevel 解析日誌等級，空字串為 info
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// NewHandler 建立寫到 w 的 handler
func NewHandler(w io.Writer, opts Options) (slog.Handler, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	ho := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.NewTextHandler(w, ho), nil
	case "json":
		return slog.NewJSONHandler(w, ho), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// Setup 設定 slog 預設 logger；回傳的 close 函數關閉日誌檔
func Setup(opts Options) (func() error, error) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}

	h, err := NewHandler(w, opts)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	// 先前以 slog.Default() 取得的 logger 經由 log 套件轉到新的 handler
	slog.SetDefault(slog.New(h))
	return closeFn, nil
}
