package httpapi

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sua-org/camfeed/internal/stream"
)

const viewerBuffer = 2

// chanViewer é a ponte entre o fan-out do stream e a conexão HTTP. Send nunca
// bloqueia: com o buffer cheio o frame mais antigo é descartado.
type chanViewer struct {
	id     string
	frames chan []byte
	done   chan struct{}

	once   sync.Once
	mu     sync.Mutex
	endErr error
}

func newChanViewer() *chanViewer {
	return &chanViewer{
		id:     uuid.NewString(),
		frames: make(chan []byte, viewerBuffer),
		done:   make(chan struct{}),
	}
}

func (v *chanViewer) ID() string { return v.id }

func (v *chanViewer) Send(frame []byte) error {
	select {
	case <-v.done:
		return stream.ErrViewerGone
	default:
	}
	for {
		select {
		case v.frames <- frame:
			return nil
		default:
		}
		select {
		case <-v.frames:
		default:
		}
	}
}

// SessionEnded é chamado pelo manager quando a sessão cai.
func (v *chanViewer) SessionEnded(err error) { v.close(err) }

func (v *chanViewer) close(err error) {
	v.once.Do(func() {
		v.mu.Lock()
		v.endErr = err
		v.mu.Unlock()
		close(v.done)
	})
}

func (v *chanViewer) err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.endErr
}
