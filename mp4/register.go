package mp4

import "github.com/snapetech/containerkit/container"

func init() {
	factory := func(src container.Source) (container.Demuxer, error) {
		return Open(src)
	}
	container.Register(container.FormatMP4, factory)
	container.Register(container.FormatMOV, factory)
}
