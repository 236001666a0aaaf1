// cmd/camfeed/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/sua-org/camfeed/internal/archive"
	"github.com/sua-org/camfeed/internal/config"
	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/engine"
	"github.com/sua-org/camfeed/internal/httpapi"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/mqttclient"
	"github.com/sua-org/camfeed/internal/secrets"
	"github.com/sua-org/camfeed/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", ".env", "arquivo .env opcional")
	camerasFile := flag.String("cameras", "", "arquivo YAML de câmeras (padrão CAMFEED_CAMERAS_FILE)")
	httpAddr := flag.String("http", "", "endereço HTTP (padrão HTTP_ADDR)")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	settings := config.FromEnv()
	if *camerasFile != "" {
		settings.CamerasFile = *camerasFile
	}
	if *httpAddr != "" {
		settings.HTTPAddr = *httpAddr
	}

	logger := logging.Init(settings.Logging)
	if envErr != nil {
		logger.Debug("no .env loaded", "file", *envFile, "error", envErr)
	}
	if err := settings.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(settings, logger); err != nil {
		logger.Error("camfeed stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(settings config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mqttCli *mqttclient.Client
	if settings.MQTTEnabled {
		cli, err := mqttclient.NewClient(settings.MQTT, logger)
		if err != nil {
			return err
		}
		mqttCli = cli
		defer mqttCli.Close()
	}

	var ps mqttclient.PubSub
	if mqttCli != nil {
		ps = mqttCli
	}
	backend, err := config.OpenState(settings, ps, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// MinIO é opcional; se falhar, segue sem arquivo de snapshots
	var onSnapshot func(string, core.Result)
	if settings.Minio.Enabled() {
		store, err := archive.NewMinioStore(ctx, settings.Minio, logger)
		if err != nil {
			logger.Warn("minio not initialized, snapshots will not be archived", "error", err)
		} else {
			arch := archive.New(store, logger)
			defer arch.Close()
			onSnapshot = arch.Hook
		}
	}

	eng := engine.New(engine.Options{
		Capture:    settings.Capture,
		Stream:     settings.Stream,
		State:      backend,
		Secrets:    secrets.NewFromEnv(),
		OnSnapshot: onSnapshot,
		Logger:     logger,
	})

	cams, err := config.LoadCameras(settings.CamerasFile)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx, cams); err != nil {
		// câmeras inválidas ficam de fora, as outras seguem
		logger.Warn("some cameras failed to start", "error", err)
	}
	logger.Info("cameras loaded", "file", settings.CamerasFile, "configured", len(cams), "running", len(eng.Cameras()))

	supDone := make(chan struct{})
	if mqttCli != nil {
		sup := supervisor.New(supervisor.Options{
			PubSub:         mqttCli,
			BaseTopic:      settings.MQTTBaseTopic,
			Engine:         eng,
			Writer:         config.NewCameraWriter(settings.CamerasFile),
			StatusInterval: settings.StatusInterval,
			Logger:         logger,
		})
		sup.Seed(cams)
		go func() {
			defer close(supDone)
			if err := sup.Run(ctx); err != nil {
				logger.Error("supervisor stopped", "error", err)
			}
		}()
	} else {
		close(supDone)
	}

	srv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           httpapi.NewServer(eng, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", settings.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-srvErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// encerra os streams antes do HTTP para que as conexões longas fechem
	eng.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	<-supDone
	return nil
}
