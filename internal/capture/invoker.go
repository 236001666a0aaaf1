package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/keylock"
	"github.com/sua-org/camfeed/internal/logging"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	Binary         string
	ScratchDir     string
	DefaultTimeout time.Duration
}

// ConfigFromEnv lê FFMPEG_PATH, CAMFEED_SCRATCH_DIR e CAMFEED_DEFAULT_TIMEOUT_MS.
func ConfigFromEnv() Config {
	cfg := Config{
		Binary:     strings.TrimSpace(os.Getenv("FFMPEG_PATH")),
		ScratchDir: strings.TrimSpace(os.Getenv("CAMFEED_SCRATCH_DIR")),
	}
	if ms, err := parsePositive(os.Getenv("CAMFEED_DEFAULT_TIMEOUT_MS")); err == nil {
		cfg.DefaultTimeout = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// Options ajusta uma captura específica.
type Options struct {
	Width   int
	Height  int
	Timeout time.Duration
}

// Invoker executa o ffmpeg para obter um único frame.
type Invoker struct {
	cfg    Config
	logger *slog.Logger
	files  *keylock.Map
}

func NewInvoker(cfg Config, logger *slog.Logger) *Invoker {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "camfeed")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Invoker{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "capture"),
		files:  keylock.New(),
	}
}

func (inv *Invoker) Binary() string { return inv.cfg.Binary }

func (inv *Invoker) DefaultTimeout() time.Duration { return inv.cfg.DefaultTimeout }

// ScratchPath é o arquivo reaproveitado por todas as capturas do mesmo endereço.
func (inv *Invoker) ScratchPath(src Source) string {
	return filepath.Join(inv.cfg.ScratchDir, ScratchName(src.Address()))
}

// Capture roda o ffmpeg com deadline e devolve os bytes do JPEG gerado.
func (inv *Invoker) Capture(ctx context.Context, src Source, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = inv.cfg.DefaultTimeout
	}

	if err := os.MkdirAll(inv.cfg.ScratchDir, 0o755); err != nil {
		return nil, core.WrapError(core.KindCaptureIO, src.Camera, fmt.Errorf("scratch dir: %w", err))
	}

	out := inv.ScratchPath(src)
	// câmeras com o mesmo endereço dividem o arquivo
	unlock := inv.files.Lock(out)
	defer unlock()

	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		inv.logger.Warn("could not remove stale scratch file", "camera", src.Camera, "path", out, "error", err)
	}

	args := SnapshotArgs(src, out, opts.Width, opts.Height)
	inv.logger.Debug("running capture",
		"camera", src.Camera,
		"command", MaskPassword(inv.cfg.Binary+" "+strings.Join(args, " "), src.Password),
		"timeout", timeout.String(),
	)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, inv.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		inv.logger.Warn("capture timed out", "camera", src.Camera, "timeout", timeout.String())
		return nil, core.NewError(core.KindCaptureTimeout, src.Camera, "ffmpeg killed after %s", timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(MaskPassword(stderr.String(), src.Password))
		inv.logger.Warn("capture failed", "camera", src.Camera, "error", err, "stderr", msg)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg == "" {
				msg = exitErr.Error()
			}
			return nil, &core.Error{Kind: core.KindCaptureProcess, Camera: src.Camera, Message: msg}
		}
		return nil, core.WrapError(core.KindCaptureProcess, src.Camera, err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, core.WrapError(core.KindCaptureIO, src.Camera, err)
	}
	if len(data) == 0 {
		return nil, core.NewError(core.KindCaptureIO, src.Camera, "empty output file %s", out)
	}

	inv.logger.Debug("capture done", "camera", src.Camera, "bytes", len(data), "duration_ms", elapsed.Milliseconds())
	return data, nil
}

// ProbeAspect captura um frame sem escala e devolve largura/altura.
func (inv *Invoker) ProbeAspect(ctx context.Context, src Source, timeout time.Duration) (float64, error) {
	data, err := inv.Capture(ctx, src, Options{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	w, h, err := ImageSize(data)
	if err != nil {
		return 0, core.WrapError(core.KindCaptureIO, src.Camera, err)
	}
	return float64(w) / float64(h), nil
}

// ImageSize lê só o cabeçalho da imagem.
func ImageSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

// Reclaim apaga os arquivos temporários. Falhas são só logadas.
func (inv *Invoker) Reclaim() {
	matches, err := filepath.Glob(filepath.Join(inv.cfg.ScratchDir, "*.jpg"))
	if err != nil {
		return
	}
	for _, path := range matches {
		unlock := inv.files.Lock(path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			inv.logger.Warn("reclaim scratch file", "path", path, "error", err)
		}
		unlock()
	}
}

func parsePositive(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}
