// cmd/camfeed-watch/main.go
//
// Acompanha o que o camfeed publica no broker: indicador de streaming, último
// frame e status do processo. Frames podem ser gravados em disco.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/mqttclient"
	"github.com/sua-org/camfeed/internal/supervisor"
)

func main() {
	_ = godotenv.Load()

	base := flag.String("base", getenv("MQTT_BASE_TOPIC", "camfeed"), "tópico base")
	camera := flag.String("camera", "+", "câmera a acompanhar (+ para todas)")
	saveDir := flag.String("save", "", "diretório para gravar os frames recebidos")
	flag.Parse()

	logger := logging.Init(logging.ConfigFromEnv())
	b := strings.Trim(*base, "/")

	mqttCli, err := mqttclient.NewClientFromEnv("camfeed-watch", logger)
	if err != nil {
		logger.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mqttCli.Close()

	if *saveDir != "" {
		if err := os.MkdirAll(*saveDir, 0o755); err != nil {
			logger.Error("create save dir", "dir", *saveDir, "error", err)
			os.Exit(1)
		}
	}

	w := &watcher{logger: logger, saveDir: *saveDir}
	topics := map[string]func(string, []byte){
		fmt.Sprintf("%s/%s/streaming", b, *camera): w.handleStreaming,
		fmt.Sprintf("%s/%s/frame", b, *camera):     w.handleFrame,
		b + "/status":                               w.handleStatus,
	}
	for topic, handler := range topics {
		if err := mqttCli.Subscribe(topic, 0, handler); err != nil {
			logger.Error("subscribe failed", "topic", topic, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "topic", topic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("signal received, leaving")
}

type watcher struct {
	logger  *slog.Logger
	saveDir string
}

// cameraOf pega o penúltimo nível de <base>/<camera>/<campo>.
func cameraOf(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return topic
	}
	return parts[len(parts)-2]
}

func (w *watcher) handleStreaming(topic string, payload []byte) {
	w.logger.Info("streaming flag", "camera", cameraOf(topic), "value", strings.TrimSpace(string(payload)))
}

func (w *watcher) handleFrame(topic string, payload []byte) {
	cam := cameraOf(topic)
	if len(payload) == 0 {
		w.logger.Info("frame cleared", "camera", cam)
		return
	}
	width, height, err := capture.ImageSize(payload)
	if err != nil {
		w.logger.Warn("frame is not a valid image", "camera", cam, "bytes", len(payload), "error", err)
		return
	}
	w.logger.Info("frame", "camera", cam, "bytes", len(payload), "width", width, "height", height)

	if w.saveDir == "" {
		return
	}
	name := filepath.Join(w.saveDir, fmt.Sprintf("%s_%d.jpg", cam, time.Now().UnixNano()))
	if err := os.WriteFile(name, payload, 0o644); err != nil {
		w.logger.Error("save frame", "file", name, "error", err)
		return
	}
	w.logger.Debug("frame saved", "file", name)
}

func (w *watcher) handleStatus(_ string, payload []byte) {
	var st supervisor.Status
	if err := json.Unmarshal(payload, &st); err != nil {
		w.logger.Warn("invalid status payload", "error", err, "payload", string(payload))
		return
	}
	w.logger.Info("status",
		"status", st.Status,
		"host", st.Hostname,
		"timestamp", st.Timestamp,
		"cameras", len(st.Cameras),
		"streams", len(st.Streams),
		"cpu_percent", st.CPUPercent,
		"memory_rss_bytes", st.MemoryRSSBytes,
	)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
