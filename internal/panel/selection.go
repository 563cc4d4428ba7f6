package panel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"x-ui-provisioner/internal/model"

	"go.uber.org/atomic"
)

type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyLeastLoaded
	StrategyExplicit
)

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastLoaded:
		return "least_loaded"
	case StrategyExplicit:
		return "explicit"
	}
	return "unknown"
}

func ParseStrategy(s string) (Strategy, bool) {
	switch strings.ToLower(s) {
	case "", "round_robin":
		return StrategyRoundRobin, true
	case "least_loaded":
		return StrategyLeastLoaded, true
	case "explicit":
		return StrategyExplicit, true
	}
	return 0, false
}

// Selection picks the strategy for one call. PanelID is required for
// StrategyExplicit and ignored otherwise.
type Selection struct {
	Strategy Strategy
	PanelID  uint
}

// Candidates is the data source selection reads from, normally the
// caller's transaction-bound repository.
type Candidates interface {
	// PanelsForLocation returns panels serving the location with their
	// inbounds preloaded.
	PanelsForLocation(ctx context.Context, locationID uint) ([]model.Panel, error)
	// ClientCounts returns the number of non-expired clients per panel.
	ClientCounts(ctx context.Context, panelIDs []uint) (map[uint]int64, error)
}

// Choice is a selected panel together with the inbound to attach to.
type Choice struct {
	Panel   *model.Panel
	Inbound *model.Inbound
}

// roundRobin keeps one cursor per location.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[uint]*atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{cursors: make(map[uint]*atomic.Uint64)}
}

func (r *roundRobin) next(locationID uint, n int) int {
	r.mu.Lock()
	cursor, ok := r.cursors[locationID]
	if !ok {
		cursor = atomic.NewUint64(0)
		r.cursors[locationID] = cursor
	}
	r.mu.Unlock()

	return int((cursor.Inc() - 1) % uint64(n))
}

// eligible filters panels to available ones not excluded and carrying an
// active inbound for protocol. Order is by panel ID so round-robin is stable.
func eligible(panels []model.Panel, protocol string, exclude []uint) []Choice {
	excluded := make(map[uint]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	sort.SliceStable(panels, func(i, j int) bool { return panels[i].ID < panels[j].ID })

	out := make([]Choice, 0, len(panels))
	for i := range panels {
		p := &panels[i]
		if _, skip := excluded[p.ID]; skip || !p.Available() {
			continue
		}
		if in := matchInbound(p.Inbounds, protocol); in != nil {
			out = append(out, Choice{Panel: p, Inbound: in})
		}
	}
	return out
}

// matchInbound returns the first active inbound for protocol, or the first
// active inbound at all when protocol is empty.
func matchInbound(inbounds []model.Inbound, protocol string) *model.Inbound {
	for i := range inbounds {
		in := &inbounds[i]
		if !in.IsActive {
			continue
		}
		if protocol == "" || strings.EqualFold(in.Protocol, protocol) {
			return in
		}
	}
	return nil
}
