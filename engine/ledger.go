package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentreview/agentreview/storage"
)

// Ledger is the budget admission gate over the append-only cost store.
//
// Check and Record act as an atomic reserve-then-book pair: Check sums
// booked spend plus in-flight reservations under the scope's lock and
// reserves an estimate, so concurrent bindings sharing a cap scope
// cannot all pass a stale read and overspend. Record books the actual
// cost and releases the reservation. Cost is booked on consumption, not
// on successful delivery, because the provider charges regardless of
// outcome.
//
// Each scope carries its own lock. The ledger query inside Check is a
// database round trip, and scopes are independent accounting
// boundaries, so one scope's check must not stall another's.
type Ledger struct {
	store       storage.CostLedger
	capUSD      float64
	window      time.Duration
	scopeKind   storage.CostScopeKind
	reservation float64

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// scopeState holds one scope's in-flight reservations. Its mutex
// serializes check-then-reserve for that scope only.
type scopeState struct {
	mu      sync.Mutex
	pending float64
}

// NewLedger creates a budget ledger.
func NewLedger(store storage.CostLedger, scopeKind storage.CostScopeKind, capUSD float64, window time.Duration, reservationUSD float64) *Ledger {
	return &Ledger{
		store:       store,
		capUSD:      capUSD,
		window:      window,
		scopeKind:   scopeKind,
		reservation: reservationUSD,
		scopes:      make(map[string]*scopeState),
	}
}

// scopeFor maps a binding to its accounting boundary.
func (l *Ledger) scopeFor(agentID uint, installationID int64) storage.CostScope {
	if l.scopeKind == storage.ScopeOrganization {
		return storage.CostScope{Kind: storage.ScopeOrganization, InstallationID: installationID}
	}
	return storage.CostScope{Kind: storage.ScopeAgent, AgentID: agentID}
}

func scopeKey(scope storage.CostScope) string {
	if scope.Kind == storage.ScopeOrganization {
		return fmt.Sprintf("org:%d", scope.InstallationID)
	}
	return fmt.Sprintf("agent:%d", scope.AgentID)
}

// state returns the scope's reservation state, creating it on first use.
// Entries are never removed; the map is bounded by the number of scopes.
func (l *Ledger) state(key string) *scopeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[key]
	if !ok {
		st = &scopeState{}
		l.scopes[key] = st
	}
	return st
}

// Check admits or denies one LLM invocation for the scope. On success a
// reservation is held until Record or Release. Returns ErrBudgetExceeded
// when the windowed spend plus reservations reaches the cap.
func (l *Ledger) Check(ctx context.Context, agentID uint, installationID int64) error {
	scope := l.scopeFor(agentID, installationID)
	key := scopeKey(scope)
	st := l.state(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	spent, err := l.store.SumCostUSDSince(ctx, scope, time.Now().Add(-l.window))
	if err != nil {
		return fmt.Errorf("failed to query ledger: %w", err)
	}

	if spent+st.pending+l.reservation > l.capUSD {
		return fmt.Errorf("scope %s spent %.4f USD of %.4f cap: %w", key, spent, l.capUSD, ErrBudgetExceeded)
	}

	st.pending += l.reservation
	return nil
}

// Release drops a reservation without booking anything. Used when the
// admitted call failed before the provider confirmed any usage; an
// ambiguous outcome books nothing rather than guessing.
func (l *Ledger) Release(agentID uint, installationID int64) {
	st := l.state(scopeKey(l.scopeFor(agentID, installationID)))

	st.mu.Lock()
	defer st.mu.Unlock()

	st.pending -= l.reservation
	if st.pending < 0 {
		st.pending = 0
	}
}

// Record books actual consumption as one append-only row and releases
// the reservation. TotalTokens covers the phases that ran. Record must
// be called whenever the provider confirmed usage, even if the
// downstream post failed.
func (l *Ledger) Record(ctx context.Context, agentID uint, repoID *uint, installationID int64, generationTokens, evaluationTokens int64, costUSD float64) error {
	st := l.state(scopeKey(l.scopeFor(agentID, installationID)))

	st.mu.Lock()
	st.pending -= l.reservation
	if st.pending < 0 {
		st.pending = 0
	}
	st.mu.Unlock()

	row := &storage.CostTracking{
		AgentID:          agentID,
		RepoID:           repoID,
		GenerationTokens: generationTokens,
		EvaluationTokens: evaluationTokens,
		TotalTokens:      generationTokens + evaluationTokens,
		EstimatedCostUSD: costUSD,
	}
	if err := l.store.RecordCost(ctx, row); err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}
