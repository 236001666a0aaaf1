package drivers

import "fmt"

func reolinkPath(channel int, high bool) string {
	stream := "sub"
	if high {
		stream = "main"
	}
	return fmt.Sprintf("/h264Preview_%02d_%s", channel, stream)
}

func axisPath(channel int, high bool) string {
	if high {
		return fmt.Sprintf("/axis-media/media.amp?camera=%d", channel)
	}
	return fmt.Sprintf("/axis-media/media.amp?camera=%d&resolution=640x360", channel)
}

func univiewPath(channel int, high bool) string {
	stream := 1
	if high {
		stream = 0
	}
	return fmt.Sprintf("/unicast/c%d/s%d/live", channel, stream)
}

func init() {
	RegisterDriver("reolink", func(deps Deps) Driver {
		return newRTSPDriver(deps, "reolink", rtspTemplate{port: 554, path: reolinkPath})
	})
	RegisterDriver("axis", func(deps Deps) Driver {
		return newRTSPDriver(deps, "axis", rtspTemplate{port: 554, path: axisPath})
	})
	RegisterDriver("uniview", func(deps Deps) Driver {
		return newRTSPDriver(deps, "uniview", rtspTemplate{port: 554, path: univiewPath})
	})
}
