package proxy

import (
	"fmt"
	"net/url"
	"sync/atomic"
)

// Target is a single resolved upstream destination.
type Target struct {
	Endpoint string // service endpoint name this target belongs to
	URL      *url.URL
}

// Strategy selects the target for the next forwarded request.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Next() *Target
	Targets() []*Target
}

// NewStrategy builds a selection strategy for the given upstream URLs.
// A single URL yields a static strategy, multiple URLs round-robin.
func NewStrategy(endpoint string, rawURLs []string) (Strategy, error) {
	return NewStrategyMode(endpoint, "", rawURLs)
}

// NewStrategyMode builds a strategy with an explicit selection mode,
// "static" or "round-robin". An empty mode infers one from the target
// count the way NewStrategy does.
func NewStrategyMode(endpoint, mode string, rawURLs []string) (Strategy, error) {
	targets, err := parseTargets(endpoint, rawURLs)
	if err != nil {
		return nil, err
	}

	switch mode {
	case "static":
		if len(targets) > 1 {
			return nil, fmt.Errorf("service endpoint %s: static strategy allows exactly one URL, got %d", endpoint, len(targets))
		}
		return NewStatic(targets[0]), nil
	case "round-robin":
		return NewRoundRobin(targets), nil
	case "":
		if len(targets) == 1 {
			return NewStatic(targets[0]), nil
		}
		return NewRoundRobin(targets), nil
	default:
		return nil, fmt.Errorf("service endpoint %s: unknown strategy %q", endpoint, mode)
	}
}

func parseTargets(endpoint string, rawURLs []string) ([]*Target, error) {
	if len(rawURLs) == 0 {
		return nil, fmt.Errorf("service endpoint %s: no upstream URLs", endpoint)
	}

	targets := make([]*Target, 0, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service endpoint %s: invalid URL %q: %w", endpoint, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("service endpoint %s: unsupported scheme %q in %q", endpoint, u.Scheme, raw)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("service endpoint %s: missing host in %q", endpoint, raw)
		}
		targets = append(targets, &Target{Endpoint: endpoint, URL: u})
	}
	return targets, nil
}

// Static always returns the same target.
type Static struct {
	target *Target
}

// NewStatic creates a static strategy
func NewStatic(t *Target) *Static {
	return &Static{target: t}
}

// Next returns the configured target.
func (s *Static) Next() *Target {
	return s.target
}

// Targets returns the single configured target.
func (s *Static) Targets() []*Target {
	return []*Target{s.target}
}

// RoundRobin cycles through targets in declaration order. Concurrent
// callers each get a distinct cursor slot, so no target is skipped or
// handed out twice within a cycle.
type RoundRobin struct {
	targets []*Target
	current uint64
}

// NewRoundRobin creates a round-robin strategy over the given targets.
func NewRoundRobin(targets []*Target) *RoundRobin {
	return &RoundRobin{targets: targets}
}

// Next returns the next target.
// Atomic increment and modulo for thread-safe round-robin.
func (rr *RoundRobin) Next() *Target {
	idx := atomic.AddUint64(&rr.current, 1)
	return rr.targets[(idx-1)%uint64(len(rr.targets))]
}

// Targets returns all targets in rotation order.
func (rr *RoundRobin) Targets() []*Target {
	return rr.targets
}
