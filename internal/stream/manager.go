package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/keylock"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/state"
)

// SourceResolver devolve a origem de stream de uma câmera.
type SourceResolver func(ctx context.Context, camera string) (capture.Source, error)

// AspectProber mede a proporção (largura/altura) da imagem da câmera.
type AspectProber func(ctx context.Context, src capture.Source, timeout time.Duration) (float64, error)

type Options struct {
	Config    Config
	Launcher  Launcher
	Resolve   SourceResolver
	Probe     AspectProber
	Publisher state.Publisher
	Logger    *slog.Logger
	// Clock controla o limite de taxa (testes).
	Clock func() time.Time
}

// Manager mantém no máximo uma sessão de streaming por câmera.
type Manager struct {
	cfg       Config
	launcher  Launcher
	resolve   SourceResolver
	probe     AspectProber
	publisher state.Publisher
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(time.Duration)

	// lifecycle serializa início/reinício por câmera sem travar as outras
	lifecycle *keylock.Map

	mu       sync.Mutex
	sessions map[string]*session
	aspects  map[string]float64
	closed   bool
}

type session struct {
	camera    string
	src       capture.Source
	width     int
	proc      Process
	viewers   map[string]Viewer
	held      bool
	startedAt time.Time

	lastFrame   []byte
	lastFrameAt time.Time
	watchdog    *time.Timer
	stopped     bool
}

// Status descreve uma sessão ativa.
type Status struct {
	Camera string `json:"camera"`
	// State é "starting" até o primeiro frame e "active" depois.
	State       string    `json:"state"`
	Width       int       `json:"width"`
	Viewers     int       `json:"viewers"`
	Held        bool      `json:"held"`
	StartedAt   time.Time `json:"started_at"`
	LastFrameAt time.Time `json:"last_frame_at,omitempty"`
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:       opts.Config.withDefaults(),
		launcher:  opts.Launcher,
		resolve:   opts.Resolve,
		probe:     opts.Probe,
		publisher: opts.Publisher,
		logger:    logging.WithComponent(opts.Logger, "stream"),
		now:       opts.Clock,
		sleep:     time.Sleep,
		lifecycle: keylock.New(),
		sessions:  make(map[string]*session),
		aspects:   make(map[string]float64),
	}
	if m.launcher == nil {
		m.launcher = ExecLauncher{}
	}
	if m.publisher == nil {
		m.publisher = state.NewMemory()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Subscribe liga o viewer à sessão da câmera, abrindo uma se não existir.
// width 0 pede a resolução nativa.
func (m *Manager) Subscribe(ctx context.Context, camera string, v Viewer, width int) error {
	return m.attach(ctx, camera, v, width, false)
}

// Start abre (ou mantém) uma sessão sem viewer. Ela só para com Stop, com o
// watchdog ou se o processo morrer; os frames vão para o slot do Publisher.
func (m *Manager) Start(ctx context.Context, camera string, width int) error {
	return m.attach(ctx, camera, nil, width, true)
}

func (m *Manager) attach(ctx context.Context, camera string, v Viewer, width int, hold bool) error {
	unlock := m.lifecycle.Lock(camera)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	s := m.sessions[camera]
	if s != nil && !m.needsRestart(s.width, width) {
		if width != s.width {
			m.logger.Debug("width change within tolerance", "camera", camera, "from", s.width, "to", width)
			s.width = width
		}
		if hold {
			s.held = true
		}
		var last []byte
		if v != nil {
			s.viewers[v.ID()] = v
			last = s.lastFrame
		}
		m.mu.Unlock()
		if last != nil {
			m.deliver(s, v, last)
		}
		return nil
	}

	viewers := make(map[string]Viewer)
	held := hold
	if s != nil {
		// largura mudou além da tolerância: para, espera e reabre com os mesmos viewers
		for id, cur := range s.viewers {
			viewers[id] = cur
		}
		held = held || s.held
		m.detachLocked(s)
		m.mu.Unlock()
		m.finalize(s, nil, "width change", nil)
		m.logger.Info("restarting stream for new width", "camera", camera, "from", s.width, "to", width)
		m.sleep(m.cfg.SettleDelay)
	} else {
		m.mu.Unlock()
	}
	if v != nil {
		viewers[v.ID()] = v
	}

	if err := m.startSession(ctx, camera, width, viewers, held); err != nil {
		if s != nil {
			// os viewers que vieram da sessão anterior ficaram sem stream
			for id, cur := range viewers {
				if v == nil || id != v.ID() {
					notifyEnded(cur, err)
				}
			}
		}
		return err
	}
	return nil
}

func (m *Manager) needsRestart(current, requested int) bool {
	diff := current - requested
	if diff < 0 {
		diff = -diff
	}
	return diff >= m.cfg.WidthTolerance
}

func (m *Manager) startSession(ctx context.Context, camera string, width int, viewers map[string]Viewer, held bool) error {
	if m.resolve == nil {
		return ErrNoStream
	}
	src, err := m.resolve(ctx, camera)
	if err != nil {
		return err
	}

	height := 0
	if width > 0 {
		if ratio, err := m.aspect(ctx, camera, src); err != nil {
			m.logger.Warn("aspect probe failed, letting ffmpeg keep the ratio", "camera", camera, "error", err)
		} else {
			height = capture.HeightForWidth(width, ratio)
		}
	}

	args := capture.StreamArgs(src, capture.StreamOptions{FPS: m.cfg.FPS, Width: width, Height: height})
	m.logger.Info("starting stream",
		"camera", camera,
		"width", width,
		"command", capture.MaskPassword(strings.Join(args, " "), src.Password),
	)
	proc, err := m.launcher.Launch(ctx, args)
	if err != nil {
		return err
	}

	s := &session{
		camera:    camera,
		src:       src,
		width:     width,
		proc:      proc,
		viewers:   viewers,
		held:      held,
		startedAt: m.now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = proc.Kill()
		return ErrClosed
	}
	m.sessions[camera] = s
	s.watchdog = time.AfterFunc(m.cfg.IdleTimeout, func() { m.expire(s) })
	m.mu.Unlock()

	m.publishStreaming(camera, true)
	go m.run(s)
	return nil
}

// aspect mede a proporção uma vez por câmera.
func (m *Manager) aspect(ctx context.Context, camera string, src capture.Source) (float64, error) {
	m.mu.Lock()
	ratio, ok := m.aspects[camera]
	m.mu.Unlock()
	if ok {
		return ratio, nil
	}
	if m.probe == nil {
		return 0, errors.New("no aspect prober")
	}
	ratio, err := m.probe(ctx, src, m.cfg.ProbeTimeout)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.aspects[camera] = ratio
	m.mu.Unlock()
	return ratio, nil
}

// run consome o stdout até o processo acabar e então encerra a sessão.
func (m *Manager) run(s *session) {
	demux := NewDemuxer(m.cfg.FrameInterval, m.now)
	readErr := demux.Pump(s.proc.Stdout(), func(frame []byte) {
		m.emit(s, frame)
	})
	waitErr := s.proc.Wait()

	m.mu.Lock()
	current := m.detachLocked(s)
	m.mu.Unlock()
	if !current {
		return
	}

	err := waitErr
	if err == nil {
		err = readErr
	}
	if err == nil {
		err = errors.New("stream ended")
	} else {
		m.logger.Warn("stream process failed", "camera", s.camera, "error", capture.MaskPassword(err.Error(), s.src.Password))
	}
	m.finalize(s, s.viewers, "process exited", err)
}

func (m *Manager) emit(s *session, frame []byte) {
	m.mu.Lock()
	if s.stopped {
		m.mu.Unlock()
		return
	}
	s.lastFrame = frame
	s.lastFrameAt = m.now()
	s.watchdog.Reset(m.cfg.IdleTimeout)
	viewers := make([]Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	m.mu.Unlock()

	if len(viewers) == 0 {
		if err := m.publisher.PublishFrame(context.Background(), s.camera, frame); err != nil {
			m.logger.Warn("publish frame failed", "camera", s.camera, "error", err)
		}
		return
	}
	for _, v := range viewers {
		m.deliver(s, v, frame)
	}
}

// deliver entrega um frame; viewer que sumiu é removido.
func (m *Manager) deliver(s *session, v Viewer, frame []byte) {
	err := v.Send(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrViewerGone) {
		m.logger.Warn("frame delivery failed", "camera", s.camera, "viewer", v.ID(), "error", err)
		return
	}
	m.logger.Debug("pruning viewer", "camera", s.camera, "viewer", v.ID())
	m.removeViewer(s, v.ID(), "viewer gone")
}

// Unsubscribe tira o viewer; sem viewers (e sem Start) a sessão para.
// Espera um início ou reinício em andamento da câmera terminar, senão o
// viewer voltaria na sessão nova.
func (m *Manager) Unsubscribe(camera, viewerID string) {
	unlock := m.lifecycle.Lock(camera)
	defer unlock()

	m.mu.Lock()
	s := m.sessions[camera]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.removeViewer(s, viewerID, "last viewer left")
}

func (m *Manager) removeViewer(s *session, viewerID, reason string) {
	m.mu.Lock()
	if s.stopped {
		m.mu.Unlock()
		return
	}
	delete(s.viewers, viewerID)
	if len(s.viewers) > 0 || s.held {
		m.mu.Unlock()
		return
	}
	m.detachLocked(s)
	m.mu.Unlock()
	m.finalize(s, nil, reason, nil)
}

// Stop encerra a sessão da câmera, com ou sem viewers. Uma sessão ainda
// subindo é esperada e então encerrada.
func (m *Manager) Stop(camera string) bool {
	unlock := m.lifecycle.Lock(camera)
	defer unlock()

	m.mu.Lock()
	s := m.sessions[camera]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	m.detachLocked(s)
	viewers := s.viewers
	m.mu.Unlock()
	m.finalize(s, viewers, "stop", errors.New("stream stopped"))
	return true
}

func (m *Manager) expire(s *session) {
	m.mu.Lock()
	if s.stopped {
		m.mu.Unlock()
		return
	}
	m.detachLocked(s)
	viewers := s.viewers
	m.mu.Unlock()
	m.logger.Warn("stream idle, stopping", "camera", s.camera, "idle_timeout", m.cfg.IdleTimeout.String())
	m.finalize(s, viewers, "idle", errors.New("no frames received"))
}

// detachLocked marca a sessão como parada e tira do mapa. Devolve false se
// ela já tinha sido parada. Chamar com m.mu.
func (m *Manager) detachLocked(s *session) bool {
	if s.stopped {
		return false
	}
	s.stopped = true
	if m.sessions[s.camera] == s {
		delete(m.sessions, s.camera)
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	return true
}

// finalize mata o processo e publica streaming=false. Os viewers passados
// são avisados do fim.
func (m *Manager) finalize(s *session, viewers map[string]Viewer, reason string, cause error) {
	if err := s.proc.Kill(); err != nil {
		// o processo pode já ter saído
		m.logger.Debug("kill stream process", "camera", s.camera, "error", err)
	}
	m.publishStreaming(s.camera, false)
	for _, v := range viewers {
		notifyEnded(v, cause)
	}
	m.logger.Info("stream stopped", "camera", s.camera, "reason", reason)
}

func notifyEnded(v Viewer, err error) {
	if ender, ok := v.(SessionEnder); ok {
		ender.SessionEnded(err)
	}
}

func (m *Manager) publishStreaming(camera string, on bool) {
	if err := m.publisher.SetStreaming(context.Background(), camera, on); err != nil {
		m.logger.Warn("publish streaming flag failed", "camera", camera, "on", on, "error", err)
	}
}

// LastFrame devolve o último frame aceito da sessão ativa.
func (m *Manager) LastFrame(camera string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[camera]
	if s == nil || s.lastFrame == nil {
		return nil, false
	}
	return s.lastFrame, true
}

func (m *Manager) Active() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		st := "active"
		if s.lastFrameAt.IsZero() {
			st = "starting"
		}
		out = append(out, Status{
			Camera:      s.camera,
			State:       st,
			Width:       s.width,
			Viewers:     len(s.viewers),
			Held:        s.held,
			StartedAt:   s.startedAt,
			LastFrameAt: s.lastFrameAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Camera < out[j].Camera })
	return out
}

// ForgetAspect descarta a proporção medida (câmera reconfigurada).
func (m *Manager) ForgetAspect(camera string) {
	m.mu.Lock()
	delete(m.aspects, camera)
	m.mu.Unlock()
}

// Shutdown encerra todas as sessões. Depois dele Subscribe/Start falham.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if m.detachLocked(s) {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.finalize(s, s.viewers, "shutdown", ErrClosed)
	}
}
