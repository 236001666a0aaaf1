package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/mqttclient"
)

const defaultLookupTimeout = 2 * time.Second

// MQTT publica em tópicos retidos:
//
//	<base>/<camera>/streaming  "true" | "false"
//	<base>/<camera>/frame      JPEG
//
// As chaves do Store são tópicos completos.
type MQTT struct {
	ps     mqttclient.PubSub
	base   string
	logger *slog.Logger
	closer func()

	LookupTimeout time.Duration
}

func NewMQTT(ps mqttclient.PubSub, base string, logger *slog.Logger) *MQTT {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		base = "camfeed"
	}
	return &MQTT{
		ps:            ps,
		base:          base,
		logger:        logging.WithComponent(logger, "state"),
		LookupTimeout: defaultLookupTimeout,
	}
}

// WithCloser registra o que fechar junto com o backend (o cliente MQTT).
func (m *MQTT) WithCloser(fn func()) *MQTT {
	m.closer = fn
	return m
}

func (m *MQTT) StreamingTopic(camera string) string {
	return fmt.Sprintf("%s/%s/streaming", m.base, camera)
}

func (m *MQTT) FrameTopic(camera string) string {
	return fmt.Sprintf("%s/%s/frame", m.base, camera)
}

func (m *MQTT) SetStreaming(_ context.Context, camera string, on bool) error {
	if err := m.ps.Publish(m.StreamingTopic(camera), 1, true, []byte(boolString(on))); err != nil {
		return fmt.Errorf("publish streaming flag: %w", err)
	}
	return nil
}

func (m *MQTT) PublishFrame(_ context.Context, camera string, frame []byte) error {
	// QoS 0: perder um frame não importa, o próximo substitui
	if err := m.ps.Publish(m.FrameTopic(camera), 0, true, frame); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

func (m *MQTT) Get(ctx context.Context, key string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.LookupTimeout)
		defer cancel()
	}
	payload, err := mqttclient.GetRetained(ctx, m.ps, key)
	if errors.Is(err, mqttclient.ErrNoRetained) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(payload)), nil
}

func (m *MQTT) Set(_ context.Context, key, value string) error {
	if err := m.ps.Publish(key, 1, true, []byte(value)); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	m.logger.Debug("state set", "key", key)
	return nil
}

func (m *MQTT) Close() error {
	if m.closer != nil {
		m.closer()
	}
	return nil
}
