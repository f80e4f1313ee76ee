package layers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/config"
)

// A session that lasted this long resets the redial backoff.
const steadySession = 30 * time.Second

// Start brings up every configured convergence layer: listeners feed
// inbound connections into mgr, and each configured peer address gets
// a goroutine that keeps the link dialed until ctx is canceled. The
// returned closer stops the listeners.
func Start(ctx context.Context, cfg config.CLAConfig, mgr *cla.Manager) (func(), error) {
	stack, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var closers []func()
	for _, lc := range cfg.Layers {
		kind, _ := cla.ParseKind(lc.Kind)
		layer := stack[kind]
		if layer == nil {
			continue
		}

		for _, addr := range lc.Listen {
			l, err := layer.Listen(ctx, addr)
			if err != nil {
				zap.L().Error("listen failed",
					zap.Stringer("kind", kind), zap.String("addr", addr), zap.Error(err))
				continue
			}
			zap.L().Info("listening",
				zap.Stringer("kind", kind), zap.String("addr", l.Addr().String()))
			closers = append(closers, func() { _ = l.Close() })
			go acceptLoop(ctx, mgr, l)
		}

		for _, pc := range lc.Peers {
			go dialLoop(ctx, mgr, layer, pc, backoffFrom(cfg))
		}
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func acceptLoop(ctx context.Context, mgr *cla.Manager, l cla.Listener) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				zap.L().Warn("accept failed",
					zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		go func() { _ = mgr.Serve(conn, true) }()
	}
}

func dialLoop(ctx context.Context, mgr *cla.Manager, layer cla.Layer, pc config.CLAPeerConfig, b backoff) {
	log := zap.L().With(
		zap.Stringer("kind", layer.Kind()),
		zap.String("addr", pc.Address),
		zap.String("node", pc.Node))
	wait := b.initial
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := layer.Dial(ctx, pc.Address)
		if err != nil {
			log.Warn("dial failed", zap.Error(err))
			if !sleep(ctx, withJitter(wait, b.jitter)) {
				return
			}
			wait = nextBackoff(wait, b.max)
			continue
		}
		start := time.Now()
		err = mgr.Serve(conn, false)
		if errors.Is(err, cla.ErrSelfConnect) {
			log.Info("peer is this node, dialing stopped")
			return
		}
		if time.Since(start) >= steadySession {
			wait = b.initial
		}
		log.Info("session ended, redialing", zap.Error(err))
		if !sleep(ctx, withJitter(wait, b.jitter)) {
			return
		}
		wait = nextBackoff(wait, b.max)
	}
}

type backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  time.Duration
}

func backoffFrom(cfg config.CLAConfig) backoff {
	b := backoff{
		initial: time.Duration(cfg.DialBackoffInitialMS) * time.Millisecond,
		max:     time.Duration(cfg.DialBackoffMaxMS) * time.Millisecond,
		jitter:  time.Duration(cfg.DialBackoffJitterMS) * time.Millisecond,
	}
	if b.initial <= 0 {
		b.initial = 500 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 30 * time.Second
	}
	return b
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%int64(jitter))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
