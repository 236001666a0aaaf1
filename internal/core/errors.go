package core

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidConfiguration ErrorKind = "invalid_configuration"
	KindCaptureTimeout       ErrorKind = "capture_timeout"
	KindCaptureProcess       ErrorKind = "capture_process_failure"
	KindCaptureIO            ErrorKind = "capture_io"
	KindUpstreamFetch        ErrorKind = "upstream_fetch_failure"
	KindInvalidSource        ErrorKind = "invalid_source"
)

// Error carrega o tipo da falha, a câmera envolvida e, para fetch HTTP, o
// status devolvido pelo upstream.
type Error struct {
	Kind    ErrorKind
	Camera  string
	Status  int
	Message string
	Err     error
}

// Sentinelas para uso com errors.Is.
var (
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrCaptureTimeout       = &Error{Kind: KindCaptureTimeout}
	ErrCaptureProcess       = &Error{Kind: KindCaptureProcess}
	ErrCaptureIO            = &Error{Kind: KindCaptureIO}
	ErrUpstreamFetch        = &Error{Kind: KindUpstreamFetch}
	ErrInvalidSource        = &Error{Kind: KindInvalidSource}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Camera != "" {
		msg = fmt.Sprintf("%s: camera %s", msg, e.Camera)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is compara só o Kind quando o alvo é uma das sentinelas.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Camera == "" && t.Message == "" && t.Err == nil && t.Status == 0 {
		return e.Kind == t.Kind
	}
	return e == t
}

// NewError monta um *Error formatando a mensagem.
func NewError(kind ErrorKind, camera string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Camera: camera, Message: fmt.Sprintf(format, args...)}
}

// WrapError associa uma causa ao tipo de falha.
func WrapError(kind ErrorKind, camera string, err error) *Error {
	return &Error{Kind: kind, Camera: camera, Err: err}
}

// KindOf devolve o Kind de err, ou "" quando não é um *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
