package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/camfeed/internal/archive"
	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/mqttclient"
	"github.com/sua-org/camfeed/internal/state"
	"github.com/sua-org/camfeed/internal/stream"
)

const (
	BackendMemory = "memory"
	BackendMQTT   = "mqtt"
	BackendRedis  = "redis"
)

// Settings junta a configuração do processo lida do ambiente.
type Settings struct {
	HTTPAddr    string
	CamerasFile string

	StateBackend string
	// MQTTEnabled liga o cliente MQTT (estado e supervisor).
	MQTTEnabled    bool
	MQTTBaseTopic  string
	StatusInterval time.Duration

	Logging logging.Config
	Capture capture.Config
	Stream  stream.Config
	MQTT    mqttclient.Config
	Redis   state.RedisConfig
	Minio   archive.MinioConfig
}

func FromEnv() Settings {
	s := Settings{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		CamerasFile:    getenv("CAMFEED_CAMERAS_FILE", "cameras.yaml"),
		StateBackend:   strings.ToLower(getenv("STATE_BACKEND", BackendMemory)),
		MQTTBaseTopic:  getenv("MQTT_BASE_TOPIC", "camfeed"),
		StatusInterval: time.Duration(getenvInt("CAMFEED_STATUS_INTERVAL_SECONDS", 30)) * time.Second,

		Logging: logging.ConfigFromEnv(),
		Capture: capture.ConfigFromEnv(),
		Stream:  stream.ConfigFromEnv(),
		MQTT:    mqttclient.ConfigFromEnv("camfeed"),
		Redis: state.RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Username: os.Getenv("REDIS_USERNAME"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvInt("REDIS_DB", 0),
			Prefix:   getenv("REDIS_PREFIX", "camfeed"),
			FrameTTL: time.Duration(getenvInt("REDIS_FRAME_TTL_SECONDS", 60)) * time.Second,
		},
		Minio: archive.MinioConfigFromEnv(),
	}
	s.MQTTEnabled = s.StateBackend == BackendMQTT || os.Getenv("MQTT_HOST") != ""
	return s
}

// Validate pega combinações que só falhariam mais tarde.
func (s Settings) Validate() error {
	switch s.StateBackend {
	case BackendMemory, BackendMQTT:
	case BackendRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return fmt.Errorf("STATE_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", s.StateBackend)
	}
	return nil
}

// OpenState cria o backend de estado. ps só é usado no backend mqtt e o
// dono do cliente continua sendo quem chamou.
func OpenState(s Settings, ps mqttclient.PubSub, logger *slog.Logger) (state.Backend, error) {
	switch s.StateBackend {
	case "", BackendMemory:
		return state.NewMemory(), nil
	case BackendMQTT:
		if ps == nil {
			return nil, fmt.Errorf("STATE_BACKEND=mqtt without an MQTT client")
		}
		return state.NewMQTT(ps, s.MQTTBaseTopic, logger), nil
	case BackendRedis:
		cfg := s.Redis
		cfg.Logger = logger
		return state.NewRedis(cfg)
	}
	return nil, fmt.Errorf("unknown STATE_BACKEND %q", s.StateBackend)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil {
			return x
		}
	}
	return def
}
