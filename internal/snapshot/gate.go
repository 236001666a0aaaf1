package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sua-org/camfeed/internal/core"
)

// ErrClosed é devolvido depois de Close, inclusive para capturas que ele
// interrompeu.
var ErrClosed = errors.New("snapshot gate closed")

// FetchFunc produz um snapshot novo para a câmera.
type FetchFunc func(ctx context.Context) (core.Result, error)

type entry struct {
	result  core.Result
	expires time.Time
}

// Gate junta requisições concorrentes da mesma câmera numa única captura e
// guarda o resultado enquanto o TTL da câmera permitir.
type Gate struct {
	group singleflight.Group

	mu     sync.Mutex
	cache  map[string]entry
	closed bool

	// root cai no Close e derruba as capturas em andamento
	root    context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	now     func() time.Time
	onStore func(key string, res core.Result)
}

type Option func(*Gate)

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithOnStore registra um callback chamado uma vez por captura bem sucedida.
func WithOnStore(fn func(key string, res core.Result)) Option {
	return func(g *Gate) { g.onStore = fn }
}

func NewGate(opts ...Option) *Gate {
	root, cancel := context.WithCancel(context.Background())
	g := &Gate{
		cache:  make(map[string]entry),
		now:    time.Now,
		root:   root,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do devolve o cache válido, entra numa captura em andamento ou inicia uma nova.
// O ctx do primeiro chamador não cancela a captura dos outros.
func (g *Gate) Do(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (core.Result, error) {
	if g.isClosed() {
		return core.Result{}, ErrClosed
	}
	if res, ok := g.cached(key); ok {
		return res, nil
	}

	ch := g.group.DoChan(key, func() (interface{}, error) {
		if !g.begin() {
			return core.Result{}, ErrClosed
		}
		defer g.running.Done()
		// outro chamador pode ter acabado de preencher o cache
		if res, ok := g.cached(key); ok {
			return res, nil
		}
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(g.root, cancel)
		defer stop()

		res, err := fetch(shared)
		if err != nil {
			if g.root.Err() != nil {
				return core.Result{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return core.Result{}, err
		}
		if ttl > 0 {
			g.mu.Lock()
			g.cache[key] = entry{result: res, expires: g.now().Add(ttl)}
			g.mu.Unlock()
		}
		if g.onStore != nil {
			g.onStore(key, res)
		}
		return res, nil
	})

	out := <-ch
	if out.Err != nil {
		return core.Result{}, out.Err
	}
	return out.Val.(core.Result), nil
}

func (g *Gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// begin registra uma captura, a menos que o gate já esteja fechado.
func (g *Gate) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.running.Add(1)
	return true
}

// Close cancela as capturas em andamento e espera todas terminarem. Do
// passa a devolver ErrClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.running.Wait()
}

func (g *Gate) cached(key string) (core.Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[key]
	if !ok {
		return core.Result{}, false
	}
	if !g.now().Before(e.expires) {
		delete(g.cache, key)
		return core.Result{}, false
	}
	return e.result, true
}

// Invalidate descarta o cache da câmera. Uma captura em andamento continua valendo
// para quem já entrou nela.
func (g *Gate) Invalidate(key string) {
	g.mu.Lock()
	delete(g.cache, key)
	g.mu.Unlock()
}

// Len devolve quantas entradas de cache existem (inclusive expiradas).
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}
