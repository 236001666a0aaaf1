// internal/drivers/dahua.go
package drivers

import "fmt"

// subtype=0 é o stream principal, 1 o secundário.
func dahuaPath(channel int, high bool) string {
	subtype := 1
	if high {
		subtype = 0
	}
	return fmt.Sprintf("/cam/realmonitor?channel=%d&subtype=%d", channel, subtype)
}

func init() {
	// Amcrest usa o firmware da Dahua
	for _, kind := range []string{"dahua", "amcrest"} {
		kind := kind
		RegisterDriver(kind, func(deps Deps) Driver {
			return newRTSPDriver(deps, kind, rtspTemplate{port: 554, path: dahuaPath})
		})
	}
	// Em muitos modelos a rota é /cgi-bin/snapshot.cgi?channel=1.
	RegisterDriver("dahua-cgi", func(deps Deps) Driver {
		return newURLPullDriver(deps, "dahua", authDigest, "/cgi-bin/snapshot.cgi?channel={channel}")
	})
}
