// Package turns orders the set of a turn's contributors under a fairness
// policy.
package turns

import (
	"sync"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

// Strategy selects how DetermineOrder orders a turn's speakers.
type Strategy string

const (
	StrategyConfidence Strategy = "confidence"
	StrategyFixed      Strategy = "fixed"
	StrategyRotate     Strategy = "rotate"
)

// Manager orders speakers for a turn and owns the process-local rotation
// index for StrategyRotate. Safe for concurrent use; the engine guarantees
// only one turn is in flight at a time, but the mutex costs nothing and
// keeps the type safe under test concurrency too.
type Manager struct {
	mu         sync.Mutex
	strategy   Strategy
	fixedOrder []string
	rotateIdx  int
}

// New constructs a Manager. fixedOrder is the canonical order consulted by
// both the "fixed" and "rotate" strategies.
func New(strategy Strategy, fixedOrder []string) *Manager {
	return &Manager{strategy: strategy, fixedOrder: append([]string(nil), fixedOrder...)}
}

// CurrentFirstResponder returns the model the rotate strategy would start
// from on the next call, without consuming the rotation.
func (m *Manager) CurrentFirstResponder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentFirstResponderLocked()
}

func (m *Manager) currentFirstResponderLocked() string {
	if len(m.fixedOrder) == 0 {
		return ""
	}
	idx := m.rotateIdx % len(m.fixedOrder)
	return m.fixedOrder[idx]
}

// DetermineOrder orders the speaking decisions (silent decisions already
// excluded by the caller is not required — DetermineOrder filters them)
// according to the configured strategy. For StrategyRotate, a single call
// advances the rotation index by one.
func (m *Manager) DetermineOrder(decisions []events.SpeakerDecision) []string {
	var speakers []string
	for _, d := range decisions {
		if d.WillSpeak {
			speakers = append(speakers, d.Model)
		}
	}

	switch m.strategy {
	case StrategyFixed:
		return filterByOrder(m.fixedOrder, speakers)
	case StrategyRotate:
		m.mu.Lock()
		first := m.currentFirstResponderLocked()
		ordered := orderFromStart(m.fixedOrder, first, speakers)
		m.rotateFirstResponderLocked()
		m.mu.Unlock()
		return ordered
	case StrategyConfidence:
		fallthrough
	default:
		return speakers
	}
}

// SetFirstResponder pins the rotation index to model, if present in the
// fixed order.
func (m *Manager) SetFirstResponder(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, name := range m.fixedOrder {
		if name == model {
			m.rotateIdx = i
			return
		}
	}
}

// ResetRotation zeros the rotation index.
func (m *Manager) ResetRotation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIdx = 0
}

// PeekNextFirstResponder returns the model that would become first after
// the rotation advances once more, without mutating state.
func (m *Manager) PeekNextFirstResponder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fixedOrder) == 0 {
		return ""
	}
	idx := (m.rotateIdx + 1) % len(m.fixedOrder)
	return m.fixedOrder[idx]
}

func (m *Manager) rotateFirstResponderLocked() {
	if len(m.fixedOrder) == 0 {
		return
	}
	m.rotateIdx = (m.rotateIdx + 1) % len(m.fixedOrder)
}

// filterByOrder returns the subset of order present in speakerSet,
// preserving order's ordering.
func filterByOrder(order, speakers []string) []string {
	set := toSet(speakers)
	var out []string
	for _, name := range order {
		if set[name] {
			out = append(out, name)
		}
	}
	return out
}

// orderFromStart rotates order to begin at first (falling back to index 0
// if first is absent from order), then filters to speakers.
func orderFromStart(order []string, first string, speakers []string) []string {
	if len(order) == 0 {
		return filterByOrder(speakers, speakers)
	}
	startIdx := 0
	for i, name := range order {
		if name == first {
			startIdx = i
			break
		}
	}
	rotated := make([]string, 0, len(order))
	for i := 0; i < len(order); i++ {
		rotated = append(rotated, order[(startIdx+i)%len(order)])
	}
	return filterByOrder(rotated, speakers)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}
