package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/drivers"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/secrets"
	"github.com/sua-org/camfeed/internal/snapshot"
	"github.com/sua-org/camfeed/internal/state"
	"github.com/sua-org/camfeed/internal/stream"
)

// ErrUnknownCamera é o mesmo erro do stream manager, para o HTTP tratar um só.
var ErrUnknownCamera = stream.ErrUnknownCamera

type Options struct {
	Capture capture.Config
	Stream  stream.Config
	// State publica o indicador de streaming e guarda o estado externo do
	// driver linked. Nil usa memória.
	State      state.Backend
	Secrets    *secrets.Box
	HTTPClient *http.Client
	// OnSnapshot recebe cada snapshot novo (arquivo no MinIO).
	OnSnapshot func(camera string, res core.Result)
	// Launcher troca o ffmpeg contínuo (testes).
	Launcher stream.Launcher
	Logger   *slog.Logger
}

// Engine é dono do registro de câmeras, do invoker, do gate e das sessões de
// stream. Cada instância é independente.
type Engine struct {
	logger   *slog.Logger
	invoker  *capture.Invoker
	gate     *snapshot.Gate
	registry *drivers.Registry
	streams  *stream.Manager
	state    state.Backend
	deps     drivers.Deps

	// mu serializa add/remove; leituras usam o registry direto
	mu     sync.Mutex
	closed bool
}

// CameraStatus é o resumo exposto em /cameras e no status MQTT.
type CameraStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Streaming bool   `json:"streaming"`
	Viewers   int    `json:"viewers"`
	Width     int    `json:"width,omitempty"`
}

func New(opts Options) *Engine {
	logger := logging.WithComponent(opts.Logger, "engine")
	backend := opts.State
	if backend == nil {
		backend = state.NewMemory()
	}

	var gateOpts []snapshot.Option
	if opts.OnSnapshot != nil {
		gateOpts = append(gateOpts, snapshot.WithOnStore(opts.OnSnapshot))
	}

	e := &Engine{
		logger:   logger,
		invoker:  capture.NewInvoker(opts.Capture, opts.Logger),
		gate:     snapshot.NewGate(gateOpts...),
		registry: drivers.NewRegistry(),
		state:    backend,
	}
	e.deps = drivers.Deps{
		Invoker:        e.invoker,
		Gate:           e.gate,
		Registry:       e.registry,
		Secrets:        opts.Secrets,
		State:          backend,
		HTTPClient:     opts.HTTPClient,
		DefaultTimeout: e.invoker.DefaultTimeout(),
		Logger:         opts.Logger,
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = stream.ExecLauncher{Binary: e.invoker.Binary()}
	}
	e.streams = stream.NewManager(stream.Options{
		Config:    opts.Stream,
		Launcher:  launcher,
		Resolve:   e.streamSource,
		Probe:     e.invoker.ProbeAspect,
		Publisher: backend,
		Logger:    opts.Logger,
	})
	return e
}

// Start carrega a lista inicial. Câmeras com erro são logadas e puladas; o
// erro devolvido junta todas as falhas.
func (e *Engine) Start(ctx context.Context, cams []core.Camera) error {
	var errs []error
	for _, cam := range cams {
		if !cam.IsEnabled() {
			e.logger.Info("camera disabled, skipping", "camera", cam.Name)
			continue
		}
		if err := e.AddCamera(ctx, cam); err != nil {
			e.logger.Error("camera init failed", "camera", cam.Name, "kind", cam.Kind, "error", err)
			errs = append(errs, err)
		}
	}
	e.logger.Info("engine started", "cameras", e.registry.Len())
	return errors.Join(errs...)
}

// AddCamera cria o driver do tipo da câmera e inicializa.
func (e *Engine) AddCamera(ctx context.Context, cam core.Camera) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrClosed
	}
	return e.addLocked(ctx, cam)
}

func (e *Engine) addLocked(ctx context.Context, cam core.Camera) error {
	d, err := drivers.New(cam.Kind, e.deps)
	if err != nil {
		if errors.Is(err, drivers.ErrDriverNotFound) {
			return core.NewError(core.KindInvalidConfiguration, cam.Name, "unknown camera kind %q", cam.Kind)
		}
		return err
	}
	return d.Init(ctx, cam)
}

// UpsertCamera troca a configuração de uma câmera já ativa. A sessão de stream
// é encerrada e a proporção medida é esquecida.
func (e *Engine) UpsertCamera(ctx context.Context, cam core.Camera) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrClosed
	}
	if _, ok := e.registry.Get(cam.Name); ok {
		if err := e.removeLocked(ctx, cam.Name); err != nil {
			return err
		}
	}
	if !cam.IsEnabled() {
		return nil
	}
	return e.addLocked(ctx, cam)
}

func (e *Engine) RemoveCamera(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(ctx, name)
}

func (e *Engine) removeLocked(ctx context.Context, name string) error {
	d, ok := e.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, name)
	}
	e.streams.Stop(name)
	e.streams.ForgetAspect(name)
	return d.Unload(ctx)
}

func (e *Engine) driver(name string) (drivers.Driver, error) {
	d, ok := e.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, name)
	}
	return d, nil
}

// Snapshot devolve uma imagem da câmera, respeitando cache e single-flight.
func (e *Engine) Snapshot(ctx context.Context, name string) (core.Result, error) {
	d, err := e.driver(name)
	if err != nil {
		return core.Result{}, err
	}
	start := time.Now()
	res, err := d.Process(ctx)
	if err != nil {
		e.logger.Warn("snapshot failed", "camera", name, "kind", string(core.KindOf(err)), "error", err)
		return core.Result{}, err
	}
	e.logger.Debug("snapshot served", "camera", name, "bytes", len(res.Body), "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (e *Engine) streamSource(ctx context.Context, name string) (capture.Source, error) {
	d, err := e.driver(name)
	if err != nil {
		return capture.Source{}, err
	}
	s, ok := d.(drivers.Streamer)
	if !ok {
		return capture.Source{}, fmt.Errorf("%w: %s", stream.ErrNoStream, name)
	}
	return s.StreamSource(ctx)
}

func (e *Engine) Subscribe(ctx context.Context, name string, v stream.Viewer, width int) error {
	if _, err := e.driver(name); err != nil {
		return err
	}
	return e.streams.Subscribe(ctx, name, v, width)
}

func (e *Engine) Unsubscribe(name, viewerID string) {
	e.streams.Unsubscribe(name, viewerID)
}

// StartStream abre uma sessão sem viewer; os frames vão para o backend de estado.
func (e *Engine) StartStream(ctx context.Context, name string, width int) error {
	if _, err := e.driver(name); err != nil {
		return err
	}
	return e.streams.Start(ctx, name, width)
}

func (e *Engine) StopStream(name string) bool {
	return e.streams.Stop(name)
}

func (e *Engine) LastFrame(name string) ([]byte, bool) {
	return e.streams.LastFrame(name)
}

func (e *Engine) Streams() []stream.Status {
	return e.streams.Active()
}

func (e *Engine) Camera(name string) (core.Camera, bool) {
	d, ok := e.registry.Get(name)
	if !ok {
		return core.Camera{}, false
	}
	return d.Camera(), true
}

// Cameras lista as câmeras ativas com o estado do stream de cada uma.
func (e *Engine) Cameras() []CameraStatus {
	active := make(map[string]stream.Status)
	for _, st := range e.streams.Active() {
		active[st.Camera] = st
	}
	names := e.registry.Names()
	out := make([]CameraStatus, 0, len(names))
	for _, name := range names {
		d, ok := e.registry.Get(name)
		if !ok {
			continue
		}
		cs := CameraStatus{Name: name, Kind: d.Camera().Kind}
		if st, ok := active[name]; ok {
			cs.Streaming = true
			cs.Viewers = st.Viewers
			cs.Width = st.Width
		}
		out = append(out, cs)
	}
	return out
}

// Shutdown interrompe os snapshots em andamento, para os streams e descarrega
// todas as câmeras. O backend de estado é de quem o criou.
func (e *Engine) Shutdown(ctx context.Context) {
	// fora de e.mu: as capturas em andamento não precisam dele para sair
	e.gate.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.streams.Shutdown()
	for _, name := range e.registry.Names() {
		if d, ok := e.registry.Get(name); ok {
			if err := d.Unload(ctx); err != nil {
				e.logger.Warn("unload failed", "camera", name, "error", err)
			}
		}
	}
	e.logger.Info("engine stopped")
}
