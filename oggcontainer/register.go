package oggcontainer

import "github.com/snapetech/containerkit/container"

func init() {
	container.Register(container.FormatOGG, func(src container.Source) (container.Demuxer, error) {
		return Open(src)
	})
}
