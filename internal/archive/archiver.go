package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/logging"
)

const (
	defaultQueue   = 32
	defaultTimeout = 10 * time.Second
)

// Key monta <camera>/YYYY/MM/DD/<unixnano>.jpg em UTC.
func Key(camera string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%d.jpg", camera, at.Year(), at.Month(), at.Day(), at.UnixNano())
}

// Archiver envia snapshots para o Store em segundo plano. A fila é limitada:
// cheia, o snapshot é descartado e a captura não espera.
type Archiver struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	queue chan job
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

type job struct {
	camera string
	res    core.Result
}

type Option func(*Archiver)

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

func WithQueueSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.queue = make(chan job, n)
		}
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Archiver {
	a := &Archiver{
		store:   store,
		logger:  logging.WithComponent(logger, "archive"),
		now:     time.Now,
		timeout: defaultTimeout,
		queue:   make(chan job, defaultQueue),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Hook tem a assinatura do OnStore do gate.
func (a *Archiver) Hook(camera string, res core.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- job{camera: camera, res: res}:
	default:
		a.dropped++
		a.logger.Warn("archive queue full, dropping snapshot", "camera", camera)
	}
}

func (a *Archiver) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	for j := range a.queue {
		key := Key(j.camera, a.now())
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		url, err := a.store.Save(ctx, key, j.res.Body, j.res.ContentType)
		cancel()
		if err != nil {
			a.logger.Warn("archive snapshot failed", "camera", j.camera, "key", key, "error", err)
			continue
		}
		a.logger.Debug("snapshot archived", "camera", j.camera, "url", url, "bytes", len(j.res.Body))
	}
}

// Close esvazia a fila e espera os envios pendentes.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
