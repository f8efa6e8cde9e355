package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/session"
)

// Kind 是对外稳定的错误分类（也是 error_code）。
type Kind string

const (
	KindFetch    Kind = "fetch_failed"
	KindParse    Kind = "parse_failed"
	KindNotFound Kind = "not_found"
	KindAuth     Kind = "auth_failed"
	KindTimeout  Kind = "timeout"
)

// Error 是 provider 操作的可追溯错误。
// 上层只依据 Kind 做分支；展示文案由调用方决定。
type Error struct {
	Kind     Kind
	Provider string // 来源 ID
	Op       string // "main" / "search" / "load" / "chapter"
	Err      error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s op=%s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s provider=%s op=%s: %v", e.Kind, e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf 构造一个已分类的错误（Provider 由 registry 在边界处补齐）。
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NotFound / ParseFailed 是最常用的两类 provider 内部错误。
func NotFound(format string, args ...any) error    { return Errorf(KindNotFound, format, args...) }
func ParseFailed(format string, args ...any) error { return Errorf(KindParse, format, args...) }

// KindOf 提取错误分类；非 *Error 返回空串。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Classify 把任意错误归一为 *Error（已分类的错误只补齐 Provider/Op）。
func Classify(providerID, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		out := *pe
		if out.Provider == "" {
			out.Provider = providerID
		}
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &Error{Kind: kindFor(err), Provider: providerID, Op: op, Err: err}
}

func kindFor(err error) Kind {
	var (
		ae  *session.AuthError
		se  *httpx.StatusError
		syn *json.SyntaxError
		ute *json.UnmarshalTypeError
		ne  net.Error
	)
	switch {
	case errors.As(err, &ae), errors.Is(err, session.ErrAuthTimeout):
		return KindAuth
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &se), errors.Is(err, cache.ErrFetch), errors.Is(err, context.Canceled):
		return KindFetch
	case errors.As(err, &syn), errors.As(err, &ute), errors.Is(err, httpx.ErrEmptyBody):
		return KindParse
	case errors.As(err, &ne) && ne.Timeout():
		return KindTimeout
	default:
		return KindFetch
	}
}
