// internal/drivers/hikvision.go
package drivers

import "fmt"

// Hikvision numera os streams como <canal><stream>: 101 principal, 102 sub.
func hikvisionPath(channel int, high bool) string {
	stream := 2
	if high {
		stream = 1
	}
	return fmt.Sprintf("/Streaming/Channels/%d0%d", channel, stream)
}

func init() {
	RegisterDriver("hikvision", func(deps Deps) Driver {
		return newRTSPDriver(deps, "hikvision", rtspTemplate{port: 554, path: hikvisionPath})
	})
	// snapshot direto pelo ISAPI, sem ffmpeg
	RegisterDriver("hikvision-isapi", func(deps Deps) Driver {
		return newURLPullDriver(deps, "hikvision", authDigest, "/ISAPI/Streaming/channels/{channel}01/picture")
	})
}
