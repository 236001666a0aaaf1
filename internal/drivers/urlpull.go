package drivers

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sua-org/camfeed/internal/core"
)

type authMode int

const (
	authNone authMode = iota
	authBasic
	authDigest
)

// maxSnapshotBytes limita o corpo lido de uma câmera HTTP.
const maxSnapshotBytes = 16 << 20

// URLPullDriver busca o snapshot com um GET HTTP, sem ffmpeg.
type URLPullDriver struct {
	baseDriver
	auth        authMode
	defaultPath string
	target      string
	client      *http.Client
}

func newURLPullDriver(deps Deps, component string, auth authMode, defaultPath string) *URLPullDriver {
	d := &URLPullDriver{auth: auth, defaultPath: defaultPath}
	d.setup(deps, component)
	return d
}

func init() {
	RegisterDriver("url", func(deps Deps) Driver {
		return newURLPullDriver(deps, "url", authNone, "")
	})
	RegisterDriver("url-basic", func(deps Deps) Driver {
		return newURLPullDriver(deps, "url", authBasic, "")
	})
	RegisterDriver("url-digest", func(deps Deps) Driver {
		return newURLPullDriver(deps, "url", authDigest, "")
	})
}

func (d *URLPullDriver) Init(_ context.Context, cam core.Camera) error {
	if err := d.prepare(cam); err != nil {
		return err
	}
	cam = d.cam
	if strings.TrimSpace(cam.Address) == "" {
		return core.NewError(core.KindInvalidConfiguration, cam.Name, "address is required")
	}
	if d.auth != authNone && cam.Username == "" {
		return core.NewError(core.KindInvalidConfiguration, cam.Name, "username is required for authenticated fetch")
	}
	target, err := d.buildURL(cam)
	if err != nil {
		return core.WrapError(core.KindInvalidConfiguration, cam.Name, err)
	}
	d.target = target
	d.client = d.httpClient(cam)
	return d.register(d)
}

// buildURL aceita uma URL completa em Address ou monta a partir de host,
// porta e caminho.
func (d *URLPullDriver) buildURL(cam core.Camera) (string, error) {
	addr := strings.TrimSpace(cam.Address)
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("parse address: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("address %q has no host", addr)
		}
		// credenciais vão no header, nunca na URL
		u.User = nil
		return u.String(), nil
	}

	scheme := "http"
	if cam.UseTLS {
		scheme = "https"
	}
	host := addr
	if cam.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, cam.Port)
	}
	path := cam.Path
	if path == "" {
		path = d.defaultPath
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ch := cam.Channel
	if ch <= 0 {
		ch = 1
	}
	path = strings.ReplaceAll(path, "{channel}", fmt.Sprint(ch))
	return fmt.Sprintf("%s://%s%s", scheme, host, path), nil
}

func (d *URLPullDriver) httpClient(cam core.Camera) *http.Client {
	if d.deps.HTTPClient != nil {
		return d.deps.HTTPClient
	}
	if cam.UseTLS {
		// câmeras em rede interna quase sempre têm certificado auto-assinado
		return &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, //nolint:gosec
				},
			},
		}
	}
	return &http.Client{}
}

func (d *URLPullDriver) Process(ctx context.Context) (core.Result, error) {
	if !d.ready.Load() {
		return core.Result{}, ErrNotInitialized
	}
	return d.deps.Gate.Do(ctx, d.cam.Name, d.cam.CacheTTL(), d.fetch)
}

func (d *URLPullDriver) fetch(ctx context.Context) (core.Result, error) {
	timeout := d.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		resp *http.Response
		err  error
	)
	switch d.auth {
	case authDigest:
		resp, err = doDigest(ctx, d.client, http.MethodGet, d.target, d.cam.Username, d.cam.Password)
	default:
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, d.target, nil)
		if err != nil {
			return core.Result{}, core.WrapError(core.KindUpstreamFetch, d.cam.Name, err)
		}
		if d.auth == authBasic {
			req.SetBasicAuth(d.cam.Username, d.cam.Password)
		}
		resp, err = d.client.Do(req)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.Result{}, core.NewError(core.KindUpstreamFetch, d.cam.Name, "timeout after %s", timeout)
		}
		return core.Result{}, core.WrapError(core.KindUpstreamFetch, d.cam.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.logger.Warn("snapshot fetch failed", "camera", d.cam.Name, "status", resp.StatusCode)
		return core.Result{}, &core.Error{
			Kind:    core.KindUpstreamFetch,
			Camera:  d.cam.Name,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(b)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return core.Result{}, core.WrapError(core.KindUpstreamFetch, d.cam.Name, err)
	}
	if len(body) == 0 {
		return core.Result{}, core.NewError(core.KindUpstreamFetch, d.cam.Name, "empty snapshot")
	}

	ctype := resp.Header.Get("Content-Type")
	if ctype == "" {
		ctype = core.ContentTypeJPEG
	}
	return core.Result{Body: body, ContentType: ctype}, nil
}

func (d *URLPullDriver) Unload(context.Context) error {
	return d.unload(d)
}
