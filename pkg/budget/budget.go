// Package budget maintains per-run token ledgers with hard-stop semantics
// and a per-agent usage history for analytics.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veldtlabs/veldt/pkg/core"
)

// DefaultBudget is the token ceiling applied when a caller does not name one.
const DefaultBudget = 50000

// usageHistoryCap bounds the per-agent analytics ring buffer.
const usageHistoryCap = 100

// CheckResult reports a ledger update. Budget outcomes are data, not errors:
// the caller decides whether an exceeded budget halts the run.
type CheckResult struct {
	Allowed bool             `json:"allowed"`
	Budget  core.TokenBudget `json:"budget"`
	Error   string           `json:"error,omitempty"`
}

// Manager owns the run ledgers and usage history. Construct one per process
// composition root; tests instantiate fresh managers.
type Manager struct {
	mu            sync.RWMutex
	defaultBudget int
	ledgers       map[string]*core.TokenBudget
	history       map[string][]core.TokenUsage
}

// NewManager creates a manager. A non-positive defaultBudget falls back to
// DefaultBudget.
func NewManager(defaultBudget int) *Manager {
	if defaultBudget <= 0 {
		defaultBudget = DefaultBudget
	}
	return &Manager{
		defaultBudget: defaultBudget,
		ledgers:       make(map[string]*core.TokenBudget),
		history:       make(map[string][]core.TokenUsage),
	}
}

// CreateBudget seeds a ledger for the run. A non-positive budget uses the
// manager default. An existing ledger for the run is replaced.
func (m *Manager) CreateBudget(runID, agentID string, budget int) core.TokenBudget {
	if budget <= 0 {
		budget = m.defaultBudget
	}
	ledger := &core.TokenBudget{
		RunID:     runID,
		AgentID:   agentID,
		Budget:    budget,
		Used:      0,
		Remaining: budget,
	}
	m.mu.Lock()
	m.ledgers[runID] = ledger
	m.mu.Unlock()
	return *ledger
}

// CheckAndUpdate applies usage to the run's ledger. With no ledger for the
// run the call is unrestricted (fail-open): Allowed is true even when the
// usage would overrun the manager default, which the snapshot still reports
// without creating persistent state. Otherwise the ledger is
// persisted unconditionally, even when exceeded, so the overage stays
// visible. Once exceeded, the flag never clears under non-negative usage.
func (m *Manager) CheckAndUpdate(runID string, promptTokens, completionTokens int) CheckResult {
	usage := promptTokens + completionTokens

	m.mu.Lock()
	defer m.mu.Unlock()

	ledger, ok := m.ledgers[runID]
	if !ok {
		snapshot := core.TokenBudget{
			RunID:     runID,
			Budget:    m.defaultBudget,
			Used:      usage,
			Remaining: m.defaultBudget - usage,
		}
		snapshot.Exceeded = snapshot.Remaining < 0
		// Fail-open: no ledger means no enforcement, whatever the usage.
		return CheckResult{Allowed: true, Budget: snapshot}
	}

	wasExceeded := ledger.Exceeded
	ledger.Used += usage
	ledger.Remaining = ledger.Budget - ledger.Used
	ledger.Exceeded = ledger.Remaining < 0

	if ledger.Exceeded && !wasExceeded {
		slog.Default().Warn("budget.exceeded",
			slog.String("run_id", runID),
			slog.String("agent_id", ledger.AgentID),
			slog.Int("used", ledger.Used),
			slog.Int("budget", ledger.Budget),
		)
	}
	return checkResult(*ledger)
}

func checkResult(b core.TokenBudget) CheckResult {
	result := CheckResult{Allowed: !b.Exceeded, Budget: b}
	if b.Exceeded {
		result.Error = fmt.Sprintf("token budget exceeded: Used %d, budget %d", b.Used, b.Budget)
	}
	return result
}

// Budget returns a snapshot of the run's ledger.
func (m *Manager) Budget(runID string) (core.TokenBudget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledger, ok := m.ledgers[runID]
	if !ok {
		return core.TokenBudget{}, false
	}
	return *ledger, true
}

// RecordUsage appends a history entry to the agent's ring buffer, dropping
// the oldest entry past the cap. Purely for analytics; it never touches a
// ledger.
func (m *Manager) RecordUsage(entry core.TokenUsage) {
	if entry.TotalTokens == 0 {
		entry.TotalTokens = entry.PromptTokens + entry.CompletionTokens
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.history[entry.AgentID], entry)
	if len(ring) > usageHistoryCap {
		ring = ring[len(ring)-usageHistoryCap:]
	}
	m.history[entry.AgentID] = ring
}

// TotalUsage sums the recorded total tokens for an agent.
func (m *Manager) TotalUsage(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, entry := range m.history[agentID] {
		total += entry.TotalTokens
	}
	return total
}

// TotalCost rolls the agent's recorded usage up at the given per-token rate.
func (m *Manager) TotalCost(agentID string, costPerToken float64) float64 {
	return float64(m.TotalUsage(agentID)) * costPerToken
}

// Usage returns a copy of the agent's usage history, oldest first.
func (m *Manager) Usage(agentID string) []core.TokenUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring := m.history[agentID]
	out := make([]core.TokenUsage, len(ring))
	copy(out, ring)
	return out
}

// DeleteBudget removes the run's ledger.
func (m *Manager) DeleteBudget(runID string) {
	m.mu.Lock()
	delete(m.ledgers, runID)
	m.mu.Unlock()
}

// ClearAll drops every ledger and the full usage history.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.ledgers = make(map[string]*core.TokenBudget)
	m.history = make(map[string][]core.TokenUsage)
	m.mu.Unlock()
}
