package drivers

import (
	"context"
	"strings"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/core"
)

// rtspTemplate descreve o que muda entre fabricantes RTSP: porta e caminho
// do stream principal/secundário.
type rtspTemplate struct {
	port int
	path func(channel int, high bool) string
}

// RTSPDriver captura via ffmpeg a partir de uma URL RTSP montada no Init.
type RTSPDriver struct {
	baseDriver
	tmpl rtspTemplate
	src  capture.Source
}

func newRTSPDriver(deps Deps, component string, tmpl rtspTemplate) *RTSPDriver {
	d := &RTSPDriver{tmpl: tmpl}
	d.setup(deps, component)
	return d
}

func init() {
	RegisterDriver("rtsp", func(deps Deps) Driver {
		return newRTSPDriver(deps, "rtsp", rtspTemplate{port: 554})
	})
}

func (d *RTSPDriver) Init(_ context.Context, cam core.Camera) error {
	if err := d.prepare(cam); err != nil {
		return err
	}
	cam = d.cam
	cam.Address = strings.TrimSpace(cam.Address)
	if cam.Address == "" {
		return core.NewError(core.KindInvalidConfiguration, cam.Name, "address is required")
	}
	if cam.Port <= 0 {
		cam.Port = d.tmpl.port
	}
	if cam.Path == "" && d.tmpl.path != nil {
		ch := cam.Channel
		if ch <= 0 {
			ch = 1
		}
		cam.Path = d.tmpl.path(ch, cam.HighQuality())
	}
	d.cam = cam
	d.src = sourceFor(cam)
	return d.register(d)
}

func (d *RTSPDriver) Process(ctx context.Context) (core.Result, error) {
	return d.snapshot(ctx, d.StreamSource)
}

func (d *RTSPDriver) StreamSource(context.Context) (capture.Source, error) {
	return d.src, nil
}

func (d *RTSPDriver) Unload(context.Context) error {
	return d.unload(d)
}
