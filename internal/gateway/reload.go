package gateway

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/webhook"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload compiles the candidate config and swaps it in. A compile
// failure leaves the previous state serving and reports the error;
// breaker state survives either way.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	newState, err := g.buildState(newCfg)
	if err != nil {
		return g.reloadFailure(err.Error())
	}

	changes := diffConfig(g.state.Load().cfg, newCfg)

	// New providers pick up the new breaker settings; existing breakers
	// keep their settings and state.
	g.breakers.Reconfigure(newCfg.CircuitBreaker)
	g.state.Store(newState)

	if g.dispatcher != nil {
		if newCfg.Webhooks.Enabled {
			g.dispatcher.UpdateEndpoints(newCfg.Webhooks.Endpoints)
		} else {
			g.dispatcher.UpdateEndpoints(nil)
		}
		g.dispatcher.Emit(webhook.NewEvent(webhook.ConfigReloadSuccess, "", map[string]interface{}{
			"changes": changes,
		}))
	}
	g.collector.ObserveReload(true)

	logging.Info("Config reloaded",
		zap.String("checksum", newCfg.Checksum),
		zap.Int("pipelines", newState.table.PipelineCount()),
		zap.Strings("changes", changes),
	)

	return ReloadResult{Success: true, Timestamp: time.Now(), Changes: changes}
}

// reloadFailure records a reload that produced no servable state. Used
// for both load failures (caller never reached Reload) and compile
// failures.
func (g *Gateway) reloadFailure(msg string) ReloadResult {
	logging.Error("Config reload failed", zap.String("error", msg))
	g.collector.ObserveReload(false)
	if g.dispatcher != nil {
		g.dispatcher.Emit(webhook.NewEvent(webhook.ConfigReloadFailure, "", map[string]interface{}{
			"error": msg,
		}))
	}
	return ReloadResult{Timestamp: time.Now(), Error: msg}
}

// diffConfig returns a sorted list of human-readable changes between
// two config revisions.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldPipes := make(map[string]config.PipelineConfig, len(oldCfg.Pipelines))
	oldOrder := make([]string, 0, len(oldCfg.Pipelines))
	for _, p := range oldCfg.Pipelines {
		oldPipes[p.Name] = p
		oldOrder = append(oldOrder, p.Name)
	}
	newPipes := make(map[string]config.PipelineConfig, len(newCfg.Pipelines))
	newOrder := make([]string, 0, len(newCfg.Pipelines))
	for _, p := range newCfg.Pipelines {
		newPipes[p.Name] = p
		newOrder = append(newOrder, p.Name)
	}

	for name, np := range newPipes {
		op, ok := oldPipes[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("pipeline added: %s", name))
		case !reflect.DeepEqual(op, np):
			changes = append(changes, fmt.Sprintf("pipeline updated: %s", name))
		}
	}
	for name := range oldPipes {
		if _, ok := newPipes[name]; !ok {
			changes = append(changes, fmt.Sprintf("pipeline removed: %s", name))
		}
	}

	// Declaration order is execution order, so a pure reorder of the
	// same pipelines is a real change.
	if len(oldOrder) == len(newOrder) && len(changes) == 0 && !reflect.DeepEqual(oldOrder, newOrder) {
		changes = append(changes, "pipeline order changed")
	}

	changes = diffEntries(changes, "apiEndpoint", oldCfg.APIEndpoints, newCfg.APIEndpoints)
	changes = diffEntries(changes, "serviceEndpoint", oldCfg.ServiceEndpoints, newCfg.ServiceEndpoints)

	if !reflect.DeepEqual(oldCfg.Providers, newCfg.Providers) {
		changes = append(changes, "provider classification updated")
	}
	if !reflect.DeepEqual(oldCfg.CircuitBreaker, newCfg.CircuitBreaker) {
		changes = append(changes, "circuit breaker settings updated")
	}
	if !reflect.DeepEqual(oldCfg.Webhooks, newCfg.Webhooks) {
		changes = append(changes, "webhook settings updated")
	}
	if !reflect.DeepEqual(oldCfg.Policies, newCfg.Policies) {
		changes = append(changes, "enabled policies updated")
	}

	sort.Strings(changes)
	return changes
}

func diffEntries[V any](changes []string, kind string, oldm, newm map[string]V) []string {
	for name, nv := range newm {
		ov, ok := oldm[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("%s added: %s", kind, name))
		case !reflect.DeepEqual(ov, nv):
			changes = append(changes, fmt.Sprintf("%s updated: %s", kind, name))
		}
	}
	for name := range oldm {
		if _, ok := newm[name]; !ok {
			changes = append(changes, fmt.Sprintf("%s removed: %s", kind, name))
		}
	}
	return changes
}
