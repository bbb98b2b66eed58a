package pdf

import (
	"errors"
	"fmt"
)

// API エラーコード
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeLimitExceeded        = "LIMIT_EXCEEDED"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeQueueFull            = "QUEUE_FULL"
	CodeInternal             = "INTERNAL_ERROR"
)

// Error はクライアントへそのまま返せるエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewError は外部パッケージから API エラーを組み立てるためのヘルパーです。
func NewError(code, message string, err error) *Error {
	return newError(code, message, err)
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EngineErrorKind は圧縮エンジンの失敗種別です。
type EngineErrorKind string

const (
	EngineTimeout     EngineErrorKind = "timeout"
	EngineNonZeroExit EngineErrorKind = "non_zero_exit"
	EngineNoOutput    EngineErrorKind = "no_output"
)

// EngineError は圧縮エンジンの失敗を表します。
type EngineError struct {
	Kind     EngineErrorKind
	ExitCode int
	Output   string
	Err      error
}

func (e *EngineError) Error() string {
	switch e.Kind {
	case EngineTimeout:
		return "compression timed out"
	case EngineNoOutput:
		return "compression produced no output"
	default:
		msg := "compression failed"
		if e.ExitCode > 0 {
			msg = fmt.Sprintf("compression failed (exit code %d)", e.ExitCode)
		}
		if e.Output != "" {
			msg += ": " + e.Output
		} else if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsEngineError は err が指定種別の EngineError かどうかを返します。
func IsEngineError(err error, kind EngineErrorKind) bool {
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		return false
	}
	return engineErr.Kind == kind
}
