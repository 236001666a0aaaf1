package stream

import "errors"

var (
	// ErrViewerGone indica que o viewer não existe mais; ele sai da sessão.
	ErrViewerGone    = errors.New("viewer gone")
	ErrUnknownCamera = errors.New("unknown camera")
	ErrClosed        = errors.New("stream manager closed")
	ErrNoStream      = errors.New("camera does not support streaming")
)

// Viewer recebe os frames de uma sessão. Send não deve bloquear: roda na
// goroutine que lê o ffmpeg.
type Viewer interface {
	ID() string
	Send(frame []byte) error
}

// SessionEnder é opcional: o viewer é avisado quando a sessão acaba sem que
// ele tenha saído.
type SessionEnder interface {
	SessionEnded(err error)
}

// FuncViewer adapta uma função. Útil em testes e em consumidores internos.
type FuncViewer struct {
	Name   string
	OnSend func(frame []byte) error
	OnEnd  func(err error)
}

func (v *FuncViewer) ID() string { return v.Name }

func (v *FuncViewer) Send(frame []byte) error {
	if v.OnSend == nil {
		return nil
	}
	return v.OnSend(frame)
}

func (v *FuncViewer) SessionEnded(err error) {
	if v.OnEnd != nil {
		v.OnEnd(err)
	}
}
