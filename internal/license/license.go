// Package license tracks the plan snapshot pushed by the host and answers
// feature-gate queries for pro-only functionality.
package license

import (
	"sync"
	"time"
)

// Plans.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// License states.
const (
	StateValid   = "valid"
	StateExpired = "expired"
	StateInvalid = "invalid"
	StateError   = "error"
)

// Features gated behind the pro plan.
const (
	FeatureRemoteAccess     = "remote_access"
	FeatureWebSearch        = "web_search"
	FeatureUnlimitedHistory = "unlimited_history"
	FeatureExports          = "exports"
	FeatureModelPull        = "model_pull"
)

// Features available on every plan.
const (
	FeatureLocalChat   = "local_chat"
	FeatureModelSwitch = "model_switch"
)

var proFeatures = map[string]bool{
	FeatureRemoteAccess:     true,
	FeatureWebSearch:        true,
	FeatureUnlimitedHistory: true,
	FeatureExports:          true,
	FeatureModelPull:        true,
}

var freeFeatures = map[string]bool{
	FeatureLocalChat:   true,
	FeatureModelSwitch: true,
}

// Snapshot is the plan state the host pushes after license validation.
type Snapshot struct {
	Plan         string    `json:"plan"`
	State        string    `json:"state"`
	Entitlements []string  `json:"entitlements,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Gate answers feature queries against the latest snapshot. Until the
// host pushes one, the gate is permissive: licensing is enforced host-side
// in that window, and a worker that never hears about licensing must not
// lock features out on its own.
type Gate struct {
	mu     sync.RWMutex
	snap   Snapshot
	pushed bool
}

// New returns a Gate with no snapshot yet.
func New() *Gate {
	return &Gate{}
}

// Update replaces the snapshot and arms the gate.
func (g *Gate) Update(snap Snapshot) {
	g.mu.Lock()
	g.snap = snap
	g.pushed = true
	g.mu.Unlock()
}

// Current returns the latest snapshot.
func (g *Gate) Current() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// Allowed reports whether feature may be used under the current plan.
// Free features always pass; pro features need a valid pro plan or an
// explicit entitlement, except before the first snapshot push, where
// every known feature passes.
func (g *Gate) Allowed(feature string) bool {
	if freeFeatures[feature] {
		return true
	}
	if !proFeatures[feature] {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.pushed {
		return true
	}
	if g.snap.State != StateValid {
		return false
	}
	if g.snap.Plan == PlanPro {
		return true
	}
	for _, e := range g.snap.Entitlements {
		if e == feature {
			return true
		}
	}
	return false
}
