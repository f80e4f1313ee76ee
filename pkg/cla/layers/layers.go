// Package layers assembles the convergence layers named in the config.
package layers

import (
	"fmt"

	"go.uber.org/zap"

	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/cla/mem"
	"dtnmesh/pkg/cla/quic"
	"dtnmesh/pkg/cla/tcp"
	"dtnmesh/pkg/cla/udp"
	"dtnmesh/pkg/cla/ws"
	"dtnmesh/pkg/config"
)

// New constructs a single layer of the given kind.
func New(kind cla.Kind) (cla.Layer, error) {
	switch kind {
	case cla.KindTCP:
		return tcp.New(), nil
	case cla.KindUDP:
		return udp.New(), nil
	case cla.KindQUIC:
		return quic.New()
	case cla.KindWS:
		return ws.New(), nil
	case cla.KindMem:
		return mem.New(), nil
	case cla.KindWinPipe:
		return newWinPipe()
	default:
		return nil, fmt.Errorf("layers: unsupported kind %q", kind)
	}
}

// FromConfig builds one layer per configured kind. Kinds the platform
// cannot provide are skipped with a warning so one config file can
// serve mixed fleets; unknown kind strings and duplicates are errors.
func FromConfig(cfg config.CLAConfig) (map[cla.Kind]cla.Layer, error) {
	out := make(map[cla.Kind]cla.Layer, len(cfg.Layers))
	for _, lc := range cfg.Layers {
		kind, err := cla.ParseKind(lc.Kind)
		if err != nil {
			return nil, fmt.Errorf("layers: %w", err)
		}
		if _, dup := out[kind]; dup {
			return nil, fmt.Errorf("layers: duplicate layer %q", lc.Kind)
		}
		l, err := New(kind)
		if err != nil {
			zap.L().Warn("layer kind not available",
				zap.String("kind", lc.Kind), zap.Error(err))
			continue
		}
		out[kind] = l
	}
	return out, nil
}
