// internal/supervisor/supervisor.go
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/camfeed/internal/config"
	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/engine"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/mqttclient"
	"github.com/sua-org/camfeed/internal/stream"
)

const commandTimeout = 30 * time.Second

// Engine é o que o supervisor usa do motor.
type Engine interface {
	UpsertCamera(ctx context.Context, cam core.Camera) error
	RemoveCamera(ctx context.Context, name string) error
	StartStream(ctx context.Context, name string, width int) error
	StopStream(name string) bool
	Cameras() []engine.CameraStatus
	Streams() []stream.Status
}

type Options struct {
	PubSub    mqttclient.PubSub
	BaseTopic string
	Engine    Engine
	// Writer persiste as câmeras recebidas por MQTT. Pode ser nil.
	Writer         *config.CameraWriter
	StatusInterval time.Duration
	Logger         *slog.Logger
}

// Supervisor liga o motor ao MQTT:
//
//	<base>/<camera>/config      JSON da câmera; payload vazio remove
//	<base>/<camera>/stream/set  {"on":true,"width":640}
//	<base>/status               status do processo (retido)
type Supervisor struct {
	mqtt      mqttclient.PubSub
	baseTopic string
	engine    Engine
	writer    *config.CameraWriter
	logger    *slog.Logger

	// work tira do roteador do MQTT o que pode bloquear (probe, settle,
	// publish QoS 1, leitura de tópico retido)
	work *cameraQueues

	mu             sync.Mutex
	cameras        map[string]core.Camera
	statusInterval time.Duration
	proc           *process.Process
	hostname       string
}

// StreamCommand é o payload de <base>/<camera>/stream/set.
type StreamCommand struct {
	On    bool `json:"on"`
	Width int  `json:"width,omitempty"`
}

// Status é publicado em <base>/status.
type Status struct {
	Status         string                `json:"status"`
	Timestamp      string                `json:"timestamp"`
	Hostname       string                `json:"hostname"`
	Cameras        []engine.CameraStatus `json:"cameras"`
	Streams        []stream.Status       `json:"streams"`
	CPUPercent     float64               `json:"cpu_percent"`
	MemoryPercent  float64               `json:"memory_percent"`
	MemoryRSSBytes uint64                `json:"memory_rss_bytes"`
}

func New(opts Options) *Supervisor {
	base := strings.Trim(strings.TrimSpace(opts.BaseTopic), "/")
	if base == "" {
		base = "camfeed"
	}
	s := &Supervisor{
		mqtt:           opts.PubSub,
		baseTopic:      base,
		engine:         opts.Engine,
		writer:         opts.Writer,
		logger:         logging.WithComponent(opts.Logger, "supervisor"),
		work:           newCameraQueues(),
		cameras:        make(map[string]core.Camera),
		statusInterval: opts.StatusInterval,
	}
	s.hostname, _ = os.Hostname()
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Seed informa as câmeras que já vieram do arquivo, para que o arquivo
// regravado continue com elas.
func (s *Supervisor) Seed(cams []core.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cam := range cams {
		s.cameras[cam.Name] = cam
	}
}

func (s *Supervisor) ConfigTopic(camera string) string {
	return fmt.Sprintf("%s/%s/config", s.baseTopic, camera)
}

func (s *Supervisor) StreamCommandTopic(camera string) string {
	return fmt.Sprintf("%s/%s/stream/set", s.baseTopic, camera)
}

func (s *Supervisor) StatusTopic() string {
	return s.baseTopic + "/status"
}

// Run assina os tópicos e bloqueia até ctx acabar.
func (s *Supervisor) Run(ctx context.Context) error {
	configTopic := s.ConfigTopic("+")
	commandTopic := s.StreamCommandTopic("+")
	s.logger.Info("subscribing", "config_topic", configTopic, "command_topic", commandTopic)

	if err := s.mqtt.Subscribe(configTopic, 1, s.handleConfigMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", configTopic, err)
	}
	if err := s.mqtt.Subscribe(commandTopic, 1, s.handleStreamCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", commandTopic, err)
	}
	if s.statusInterval > 0 {
		s.publishStatus("online", time.Now())
		go s.runStatusLoop(ctx)
	}

	<-ctx.Done()
	s.logger.Info("context canceled, leaving mqtt topics")
	if err := s.mqtt.Unsubscribe(configTopic, commandTopic); err != nil {
		s.logger.Warn("unsubscribe failed", "error", err)
	}
	s.work.close()
	s.publishStatus("offline", time.Now())
	return nil
}

// cameraFromTopic extrai <camera> de <base>/<camera>/<suffix...>.
func (s *Supervisor) cameraFromTopic(topic string, suffix ...string) (string, bool) {
	parts := strings.Split(topic, "/")
	baseParts := strings.Split(s.baseTopic, "/")
	if len(parts) != len(baseParts)+1+len(suffix) {
		return "", false
	}
	for i, part := range suffix {
		if parts[len(baseParts)+1+i] != part {
			return "", false
		}
	}
	name := parts[len(baseParts)]
	if name == "" {
		return "", false
	}
	return name, true
}

// enqueue coloca fn na fila da câmera; com a fila cheia a mensagem é perdida.
func (s *Supervisor) enqueue(camera, topic string, fn func(context.Context)) {
	if !s.work.submit(camera, fn) {
		s.logger.Error("camera queue full or closed, message dropped", "camera", camera, "topic", topic)
	}
}

func (s *Supervisor) handleConfigMessage(topic string, payload []byte) {
	name, ok := s.cameraFromTopic(topic, "config")
	if !ok {
		s.logger.Warn("invalid config topic", "topic", topic)
		return
	}
	payload = append([]byte(nil), payload...)
	s.enqueue(name, topic, func(ctx context.Context) {
		s.applyConfig(ctx, name, topic, payload)
	})
}

func (s *Supervisor) applyConfig(ctx context.Context, name, topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		s.logger.Info("camera removed via tombstone", "camera", name)
		if err := s.engine.RemoveCamera(ctx, name); err != nil {
			s.logger.Debug("remove camera", "camera", name, "error", err)
		}
		s.forget(name)
		return
	}

	var cam core.Camera
	if err := json.Unmarshal(trimmed, &cam); err != nil {
		s.logger.Warn("invalid camera JSON", "topic", topic, "error", err)
		return
	}
	// o nome vem do tópico
	cam.Name = name

	if err := s.engine.UpsertCamera(ctx, cam); err != nil {
		s.logger.Error("camera upsert failed", "camera", name, "kind", cam.Kind, "error", err)
		return
	}
	s.logger.Info("camera configured via mqtt", "camera", name, "kind", cam.Kind, "enabled", cam.IsEnabled())
	s.remember(cam)
}

func (s *Supervisor) handleStreamCommand(topic string, payload []byte) {
	name, ok := s.cameraFromTopic(topic, "stream", "set")
	if !ok {
		s.logger.Warn("invalid stream command topic", "topic", topic)
		return
	}
	cmd, err := parseStreamCommand(payload)
	if err != nil {
		s.logger.Warn("invalid stream command", "camera", name, "error", err)
		return
	}
	s.enqueue(name, topic, func(ctx context.Context) {
		s.applyStreamCommand(ctx, name, cmd)
	})
}

func (s *Supervisor) applyStreamCommand(ctx context.Context, name string, cmd StreamCommand) {
	if !cmd.On {
		stopped := s.engine.StopStream(name)
		s.logger.Info("stream stop requested", "camera", name, "was_active", stopped)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := s.engine.StartStream(ctx, name, cmd.Width); err != nil {
		s.logger.Error("stream start failed", "camera", name, "width", cmd.Width, "error", err)
		return
	}
	s.logger.Info("stream started via mqtt", "camera", name, "width", cmd.Width)
}

// parseStreamCommand aceita JSON ou o texto on/off (true/false).
func parseStreamCommand(payload []byte) (StreamCommand, error) {
	trimmed := bytes.TrimSpace(payload)
	switch strings.ToLower(string(trimmed)) {
	case "on", "true", "1":
		return StreamCommand{On: true}, nil
	case "off", "false", "0", "":
		return StreamCommand{}, nil
	}
	var cmd StreamCommand
	if err := json.Unmarshal(trimmed, &cmd); err != nil {
		return StreamCommand{}, err
	}
	if cmd.Width < 0 {
		return StreamCommand{}, fmt.Errorf("negative width %d", cmd.Width)
	}
	return cmd, nil
}

// remember e forget gravam com s.mu preso: filas de câmeras diferentes não
// podem gravar uma lista velha por cima de uma nova.
func (s *Supervisor) remember(cam core.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// desabilitada continua no arquivo, só não roda
	s.cameras[cam.Name] = cam
	s.persist(s.snapshotCamerasLocked())
}

func (s *Supervisor) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cameras, name)
	s.persist(s.snapshotCamerasLocked())
}

func (s *Supervisor) snapshotCamerasLocked() []core.Camera {
	out := make([]core.Camera, 0, len(s.cameras))
	for _, cam := range s.cameras {
		out = append(out, cam)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) persist(cams []core.Camera) {
	wrote, err := s.writer.Sync(cams)
	if err != nil {
		s.logger.Error("persist cameras failed", "error", err)
		return
	}
	if wrote {
		s.logger.Info("cameras file updated", "cameras", len(cams))
	}
}

func (s *Supervisor) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	s.logger.Info("status loop started", "interval", s.statusInterval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.publishStatus("online", t)
		}
	}
}

func (s *Supervisor) collectStatus(status string, now time.Time) Status {
	st := Status{
		Status:    status,
		Timestamp: now.UTC().Format(time.RFC3339),
		Hostname:  s.hostname,
		Cameras:   s.engine.Cameras(),
		Streams:   s.engine.Streams(),
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			st.MemoryRSSBytes = mem.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			st.MemoryPercent = float64(memP)
		}
	}
	return st
}

func (s *Supervisor) publishStatus(status string, now time.Time) {
	b, err := json.Marshal(s.collectStatus(status, now))
	if err != nil {
		s.logger.Error("marshal status", "error", err)
		return
	}
	if err := s.mqtt.Publish(s.StatusTopic(), 1, true, b); err != nil {
		s.logger.Warn("publish status failed", "topic", s.StatusTopic(), "error", err)
		return
	}
	s.logger.Debug("status published", "topic", s.StatusTopic(), "status", status)
}
