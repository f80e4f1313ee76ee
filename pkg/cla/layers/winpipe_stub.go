//go:build !windows

package layers

import (
	"errors"

	"dtnmesh/pkg/cla"
)

func newWinPipe() (cla.Layer, error) {
	return nil, errors.New("layers: winpipe is not supported on this platform")
}
