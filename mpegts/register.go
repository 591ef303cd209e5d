package mpegts

import "github.com/snapetech/containerkit/container"

func init() {
	container.Register(container.FormatMPEGTS, func(src container.Source) (container.Demuxer, error) {
		return Open(src)
	})
}
