//go:build windows

package layers

import (
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/cla/winpipe"
)

func newWinPipe() (cla.Layer, error) { return winpipe.New(), nil }
