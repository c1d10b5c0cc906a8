package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind 适配器错误分类，决定派发器是重试还是终止。
type Kind string

const (
	KindTransport       Kind = "transport-error"  // 网络/5xx，可重试
	KindAuth            Kind = "auth-error"       // 401/403，路由级致命
	KindBusiness        Kind = "business-error"   // 订单级致命，带 reason code
	KindInvalidResponse Kind = "invalid-response" // 无法归一化，有限重试
	KindTimeout         Kind = "timeout"          // 按 transport 处理
)

// Retryable transport/timeout/invalid-response 可以重试。
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindTimeout || k == KindInvalidResponse
}

// Error 适配器统一错误。
type Error struct {
	Kind    Kind
	Code    string // 机器可读原因，如 insufficient-balance
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += "(" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Reason 给订单展示用的简短原因。
func (e *Error) Reason() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// ErrUnsupported 适配器不支持该能力。
var ErrUnsupported = &Error{Kind: KindBusiness, Code: "unsupported"}

func transportErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

func businessErr(code, msg string) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: msg}
}

func invalidResponse(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidResponse, Message: fmt.Sprintf(format, args...)}
}

// fromStatus 按 HTTP 状态码分类；2xx 返回 nil。
func fromStatus(status int, code, msg string) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Code: code, Message: msg}
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Kind: KindTransport, Code: code, Message: fmt.Sprintf("http %d %s", status, msg)}
	default:
		if code == "" {
			code = fmt.Sprintf("http-%d", status)
		}
		return businessErr(code, msg)
	}
}

// KindOf 对任意错误分类；未知错误按 transport 处理。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// ReasonOf 返回错误的原因码。
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason()
	}
	return string(KindOf(err))
}
