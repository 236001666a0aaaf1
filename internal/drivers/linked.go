package drivers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/core"
)

const (
	linkedURLKey     = "stream_url"
	linkedEnabledKey = "streaming_enabled"
)

// LinkedDriver não tem endereço próprio: a URL RTSP vem do estado publicado
// por outro subsistema em <source>/stream_url, e ele garante que
// <source>/streaming_enabled esteja "true".
type LinkedDriver struct {
	baseDriver
	urlKey     string
	enabledKey string
}

func init() {
	RegisterDriver("linked", func(deps Deps) Driver {
		d := &LinkedDriver{}
		d.setup(deps, "linked")
		return d
	})
}

func (d *LinkedDriver) Init(ctx context.Context, cam core.Camera) error {
	if err := d.prepare(cam); err != nil {
		return err
	}
	ref := strings.Trim(strings.TrimSpace(d.cam.Source), "/")
	if ref == "" {
		return core.NewError(core.KindInvalidConfiguration, d.cam.Name, "source reference is required")
	}
	if d.deps.State == nil {
		return core.NewError(core.KindInvalidConfiguration, d.cam.Name, "state store not configured")
	}
	d.cam.Source = ref
	d.urlKey = ref + "/" + linkedURLKey
	d.enabledKey = ref + "/" + linkedEnabledKey

	if err := d.ensureEnabled(ctx); err != nil {
		// a fonte pode ainda não estar no ar; o Process tenta de novo
		d.logger.Warn("could not enable linked source", "camera", d.cam.Name, "source", ref, "error", err)
	}
	return d.register(d)
}

func (d *LinkedDriver) ensureEnabled(ctx context.Context) error {
	v, err := d.deps.State.Get(ctx, d.enabledKey)
	if err != nil {
		return err
	}
	if on, _ := strconv.ParseBool(v); on {
		return nil
	}
	d.logger.Info("enabling streaming on linked source", "camera", d.cam.Name, "key", d.enabledKey)
	return d.deps.State.Set(ctx, d.enabledKey, "true")
}

func (d *LinkedDriver) Process(ctx context.Context) (core.Result, error) {
	return d.snapshot(ctx, d.StreamSource)
}

// StreamSource lê a URL atual da fonte. Vazia ou inválida é InvalidSource.
func (d *LinkedDriver) StreamSource(ctx context.Context) (capture.Source, error) {
	if err := d.ensureEnabled(ctx); err != nil {
		d.logger.Warn("could not enable linked source", "camera", d.cam.Name, "error", err)
	}
	raw, err := d.deps.State.Get(ctx, d.urlKey)
	if err != nil {
		return capture.Source{}, core.WrapError(core.KindInvalidSource, d.cam.Name, err)
	}
	if raw == "" {
		return capture.Source{}, core.NewError(core.KindInvalidSource, d.cam.Name, "no stream url published at %s", d.urlKey)
	}
	src, err := d.parseSource(raw)
	if err != nil {
		return capture.Source{}, core.WrapError(core.KindInvalidSource, d.cam.Name, err)
	}
	return src, nil
}

func (d *LinkedDriver) parseSource(raw string) (capture.Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return capture.Source{}, fmt.Errorf("parse stream url: %w", err)
	}
	if u.Hostname() == "" {
		return capture.Source{}, fmt.Errorf("stream url has no host")
	}

	src := sourceFor(d.cam)
	src.Scheme = u.Scheme
	src.Host = u.Hostname()
	src.Port = 0
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return capture.Source{}, fmt.Errorf("invalid port %q", p)
		}
		src.Port = port
	}
	src.Path = u.EscapedPath()
	if u.RawQuery != "" {
		src.Path += "?" + u.RawQuery
	}
	if u.User != nil {
		src.Username = u.User.Username()
		pass, _ := u.User.Password()
		if pass, err = d.decrypt(pass); err != nil {
			return capture.Source{}, fmt.Errorf("password: %w", err)
		}
		src.Password = pass
	}
	return src, nil
}

func (d *LinkedDriver) Unload(context.Context) error {
	return d.unload(d)
}
