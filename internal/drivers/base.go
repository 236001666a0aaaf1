// internal/drivers/base.go
package drivers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/secrets"
	"github.com/sua-org/camfeed/internal/snapshot"
	"github.com/sua-org/camfeed/internal/state"
)

// Driver é a unidade por fabricante: Init valida e registra, Process devolve
// um snapshot, Unload tira a câmera do registro.
type Driver interface {
	Init(ctx context.Context, cam core.Camera) error
	Process(ctx context.Context) (core.Result, error)
	Unload(ctx context.Context) error
	Camera() core.Camera
}

// Streamer é implementado pelos drivers que sabem abrir um stream contínuo.
type Streamer interface {
	StreamSource(ctx context.Context) (capture.Source, error)
}

// Deps são os recursos do motor compartilhados pelos drivers.
type Deps struct {
	Invoker        *capture.Invoker
	Gate           *snapshot.Gate
	Registry       *Registry
	Secrets        *secrets.Box
	State          state.Store
	HTTPClient     *http.Client
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

type DriverFactory func(deps Deps) Driver

var (
	registryMu sync.RWMutex
	// registry: kind -> factory
	registry = map[string]DriverFactory{}
)

// RegisterDriver é chamado no init() de cada driver.
func RegisterDriver(kind string, f DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalize(kind)] = f
}

// New devolve um driver ainda não inicializado para kind.
func New(kind string, deps Deps) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[normalize(kind)]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrDriverNotFound
	}
	return f(deps), nil
}

// Kinds lista os tipos registrados, em ordem.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func normalize(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range strings.TrimSpace(s) {
		// remove espaços e underline; hífen fica porque separa variantes (url-basic)
		if r == ' ' || r == '_' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r = r + 32
		}
		b = append(b, r)
	}
	return string(b)
}

// Registry guarda as câmeras ativas de um motor, por nome.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Add falha com InvalidConfiguration se o nome já estiver ativo.
func (r *Registry) Add(name string, d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		return core.NewError(core.KindInvalidConfiguration, name, "camera already registered")
	}
	r.drivers[name] = d
	return nil
}

// Remove devolve quantas câmeras continuam ativas.
func (r *Registry) Remove(name string, d Driver) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.drivers[name]; ok && cur == d {
		delete(r.drivers, name)
	}
	return len(r.drivers)
}

func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}
