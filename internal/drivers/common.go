package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/logging"
)

// baseDriver tem o que todas as variantes fazem igual: credenciais,
// registro e o snapshot via ffmpeg passando pelo gate.
type baseDriver struct {
	deps   Deps
	cam    core.Camera
	logger *slog.Logger
	ready  atomic.Bool
}

func (b *baseDriver) setup(deps Deps, component string) {
	b.deps = deps
	b.logger = logging.WithComponent(deps.Logger, component)
}

func (b *baseDriver) Camera() core.Camera { return b.cam }

func (b *baseDriver) timeout() time.Duration {
	if t := b.cam.Timeout(b.deps.DefaultTimeout); t > 0 {
		return t
	}
	return capture.DefaultTimeout
}

// prepare valida o nome e decifra as credenciais.
func (b *baseDriver) prepare(cam core.Camera) error {
	cam.Name = strings.TrimSpace(cam.Name)
	if cam.Name == "" {
		return core.NewError(core.KindInvalidConfiguration, "", "camera name is required")
	}
	if b.deps.Registry == nil || b.deps.Gate == nil {
		return core.NewError(core.KindInvalidConfiguration, cam.Name, "driver dependencies missing")
	}
	user, err := b.decrypt(cam.Username)
	if err != nil {
		return core.WrapError(core.KindInvalidConfiguration, cam.Name, fmt.Errorf("username: %w", err))
	}
	pass, err := b.decrypt(cam.Password)
	if err != nil {
		return core.WrapError(core.KindInvalidConfiguration, cam.Name, fmt.Errorf("password: %w", err))
	}
	cam.Username = user
	cam.Password = pass
	if cam.TimeoutMS <= 0 && b.deps.DefaultTimeout > 0 {
		cam.TimeoutMS = int(b.deps.DefaultTimeout.Milliseconds())
	}
	b.cam = cam
	return nil
}

func (b *baseDriver) decrypt(value string) (string, error) {
	if b.deps.Secrets == nil {
		return value, nil
	}
	return b.deps.Secrets.Decrypt(value)
}

func (b *baseDriver) register(d Driver) error {
	if err := b.deps.Registry.Add(b.cam.Name, d); err != nil {
		return err
	}
	b.ready.Store(true)
	b.logger.Info("camera registered", "camera", b.cam.Name, "kind", b.cam.Kind)
	return nil
}

func (b *baseDriver) unload(d Driver) error {
	if !b.ready.CompareAndSwap(true, false) {
		return nil
	}
	remaining := b.deps.Registry.Remove(b.cam.Name, d)
	b.deps.Gate.Invalidate(b.cam.Name)
	if remaining == 0 && b.deps.Invoker != nil {
		b.deps.Invoker.Reclaim()
	}
	b.logger.Info("camera unloaded", "camera", b.cam.Name, "remaining", remaining)
	return nil
}

// snapshot passa pelo gate e, se precisar capturar, chama o ffmpeg com src.
func (b *baseDriver) snapshot(ctx context.Context, resolve func(ctx context.Context) (capture.Source, error)) (core.Result, error) {
	if !b.ready.Load() {
		return core.Result{}, ErrNotInitialized
	}
	if b.deps.Invoker == nil {
		return core.Result{}, core.NewError(core.KindInvalidConfiguration, b.cam.Name, "capture invoker missing")
	}
	return b.deps.Gate.Do(ctx, b.cam.Name, b.cam.CacheTTL(), func(ctx context.Context) (core.Result, error) {
		src, err := resolve(ctx)
		if err != nil {
			return core.Result{}, err
		}
		data, err := b.deps.Invoker.Capture(ctx, src, capture.Options{
			Width:   b.cam.Width,
			Height:  b.cam.Height,
			Timeout: b.cam.Timeout(b.deps.Invoker.DefaultTimeout()),
		})
		if err != nil {
			return core.Result{}, err
		}
		return core.Result{Body: data, ContentType: core.ContentTypeJPEG}, nil
	})
}

// sourceFor aplica os campos comuns da câmera num Source.
func sourceFor(cam core.Camera) capture.Source {
	return capture.Source{
		Camera:     cam.Name,
		Scheme:     "rtsp",
		Host:       cam.Address,
		Port:       cam.Port,
		Path:       cam.Path,
		Username:   cam.Username,
		Password:   cam.Password,
		Transport:  cam.Protocol,
		ArgsPrefix: cam.ArgsPrefix,
		ArgsSuffix: cam.ArgsSuffix,
	}
}
