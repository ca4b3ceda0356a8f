// ============================================================================
// ppc-flow 錯誤分類 - 跨層共用的錯誤種類與錯誤碼
// ============================================================================
//
// Package: pkg/ppcerr
// 文件: errors.go
// 功能: 定義核心各元件共用的錯誤種類（Kind）與對外錯誤碼（Code）
//
// 錯誤種類:
//   - NotFound: 查詢的 job/task/worker 不存在（HTTP 404）
//   - Validation: 任務描述錯誤、未知 worker 類型、循環依賴（HTTP 400）
//   - Network: RPC 重試耗盡
//   - Cancelled: 任務的取消事件已觸發
//   - Timeout: worker 超過時間上限
//   - ResourceExhausted: 接收端緩衝超出預算，發送端應重試
//   - Internal: 其他所有錯誤
//
// 使用方式:
//   err := ppcerr.New(ppcerr.KindValidation, "unknown worker type")
//   if ppcerr.Is(err, ppcerr.KindCancelled) { ... }
//
// ============================================================================

package ppcerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind 錯誤種類
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindNetwork
	KindCancelled
	KindTimeout
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindNetwork:
		return "Network"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Internal"
	}
}

// 對外錯誤碼，0 表示成功
const (
	CodeSuccess           = 0
	CodeInternal          = -1
	CodeNetwork           = 10001
	CodeValidation        = 10002
	CodeTimeout           = 10003
	CodeResourceExhausted = 10004
	CodeJobNotFound       = 10016
	CodeTaskExists        = 11000
	CodeTaskNotFound      = 11001
	CodeTaskKilled        = 11002
)

// Error 帶種類與錯誤碼的錯誤
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// defaultCode 每個種類的預設錯誤碼
func defaultCode(k Kind) int {
	switch k {
	case KindNotFound:
		return CodeTaskNotFound
	case KindValidation:
		return CodeValidation
	case KindNetwork:
		return CodeNetwork
	case KindCancelled:
		return CodeTaskKilled
	case KindTimeout:
		return CodeTimeout
	case KindResourceExhausted:
		return CodeResourceExhausted
	default:
		return CodeInternal
	}
}

// New 建立指定種類的錯誤
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Code: defaultCode(k), Message: msg}
}

// Newf 格式化版本
func Newf(k Kind, format string, args ...any) *Error {
	return New(k, fmt.Sprintf(format, args...))
}

// Wrap 以指定種類包裝既有錯誤
func Wrap(k Kind, err error, msg string) *Error {
	return &Error{Kind: k, Code: defaultCode(k), Message: msg, Err: err}
}

// WithCode 覆寫錯誤碼（例如 job 與 task 的 NotFound 錯誤碼不同）
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// KindOf 取得錯誤種類
//
// context.Canceled 視為 Cancelled，context.DeadlineExceeded 視為 Timeout。
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is 判斷錯誤是否屬於指定種類
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// CodeOf 取得對外錯誤碼
func CodeOf(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return defaultCode(KindOf(err))
}

// HTTPStatus 將錯誤映射為 HTTP 狀態碼
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
