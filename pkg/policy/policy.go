// Package policy decides whether a bundle may be forwarded to a peer
// over a candidate convergence layer. Routing consults the chain once
// per (bundle, peer, protocol) combination.
package policy

import (
	"fmt"

	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/metrics"
)

// Verdict is the outcome of one evaluation.
type Verdict int

const (
	Accept Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "reject"
}

// Context carries everything a rule may inspect.
type Context struct {
	// Peer is the next hop under consideration.
	Peer bundle.EID
	// Stage names the routing stage asking, e.g. "neighbor".
	Stage string
	// Bundle is the candidate descriptor.
	Bundle bundle.Meta
	// Protocol is the convergence layer the transfer would use.
	Protocol cla.Kind
}

// Evaluator is the contract routing depends on.
type Evaluator interface {
	Evaluate(ctx Context) Verdict
}

// Rule is a named evaluator; rejections are reported under the name.
type Rule interface {
	Evaluator
	Name() string
}

// Chain evaluates rules in order. The first rejection wins; an empty
// chain accepts everything.
type Chain struct {
	rules   []Rule
	metrics *metrics.Metrics
}

// NewChain builds a chain. A nil m falls back to no-op collectors.
func NewChain(m *metrics.Metrics, rules ...Rule) *Chain {
	if m == nil {
		m = metrics.Nop()
	}
	return &Chain{rules: rules, metrics: m}
}

func (c *Chain) Evaluate(ctx Context) Verdict {
	for _, r := range c.rules {
		if r.Evaluate(ctx) == Reject {
			c.metrics.PolicyRejects.WithLabelValues(r.Name()).Inc()
			zap.L().Debug("policy reject",
				zap.String("rule", r.Name()),
				zap.String("peer", string(ctx.Peer)),
				zap.String("bundle", ctx.Bundle.ID.String()),
				zap.Stringer("protocol", ctx.Protocol))
			return Reject
		}
	}
	return Accept
}

// FromConfig builds the chain described by the policy config section.
func FromConfig(cfg config.PolicyConfig, m *metrics.Metrics) (*Chain, error) {
	var rules []Rule
	if len(cfg.DenyProtocols) > 0 {
		kinds := make([]cla.Kind, 0, len(cfg.DenyProtocols))
		for _, s := range cfg.DenyProtocols {
			k, err := cla.ParseKind(s)
			if err != nil {
				return nil, fmt.Errorf("policy.deny_protocols: %w", err)
			}
			kinds = append(kinds, k)
		}
		rules = append(rules, DenyProtocols(kinds...))
	}
	if len(cfg.DenyDestinations) > 0 {
		nodes := make([]bundle.EID, 0, len(cfg.DenyDestinations))
		for _, s := range cfg.DenyDestinations {
			eid, err := bundle.ParseEID(s)
			if err != nil {
				return nil, fmt.Errorf("policy.deny_destinations: %w", err)
			}
			nodes = append(nodes, eid)
		}
		rules = append(rules, DenyDestinations(nodes...))
	}
	if cfg.MaxPayloadBytes > 0 {
		rules = append(rules, MaxPayload(cfg.MaxPayloadBytes))
	}
	return NewChain(m, rules...), nil
}

// DenyProtocols rejects any forwarding over the listed kinds.
func DenyProtocols(kinds ...cla.Kind) Rule {
	set := make(map[cla.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return denyProtocols{set}
}

type denyProtocols struct{ kinds map[cla.Kind]struct{} }

func (r denyProtocols) Name() string { return "deny_protocol" }

func (r denyProtocols) Evaluate(ctx Context) Verdict {
	if _, ok := r.kinds[ctx.Protocol]; ok {
		return Reject
	}
	return Accept
}

// DenyDestinations rejects bundles addressed to the listed nodes.
func DenyDestinations(nodes ...bundle.EID) Rule {
	set := make(map[bundle.EID]struct{}, len(nodes))
	for _, n := range nodes {
		set[n.Node()] = struct{}{}
	}
	return denyDestinations{set}
}

type denyDestinations struct{ nodes map[bundle.EID]struct{} }

func (r denyDestinations) Name() string { return "deny_destination" }

func (r denyDestinations) Evaluate(ctx Context) Verdict {
	if _, ok := r.nodes[ctx.Bundle.Destination.Node()]; ok {
		return Reject
	}
	return Accept
}

// MaxPayload rejects bundles with payloads larger than limit bytes.
func MaxPayload(limit int) Rule { return maxPayload{limit} }

type maxPayload struct{ limit int }

func (r maxPayload) Name() string { return "max_payload" }

func (r maxPayload) Evaluate(ctx Context) Verdict {
	if ctx.Bundle.PayloadLen > r.limit {
		return Reject
	}
	return Accept
}
