package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/veldtlabs/veldt/pkg/core"
)

func TestCheckAndUpdateWithinBudget(t *testing.T) {
	m := NewManager(0)
	m.CreateBudget("r1", "a1", 1000)

	result := m.CheckAndUpdate("r1", 300, 200)
	if !result.Allowed {
		t.Fatalf("expected allowed within budget")
	}
	if result.Budget.Used != 500 || result.Budget.Remaining != 500 {
		t.Fatalf("unexpected ledger: %+v", result.Budget)
	}
	if result.Error != "" {
		t.Fatalf("expected no error message, got %q", result.Error)
	}
}

func TestCheckAndUpdateExceeded(t *testing.T) {
	m := NewManager(0)
	m.CreateBudget("r1", "a1", 100)

	result := m.CheckAndUpdate("r1", 60, 50)
	if result.Allowed {
		t.Fatalf("expected allowed=false when over budget")
	}
	if result.Budget.Used != 110 || result.Budget.Remaining != -10 {
		t.Fatalf("unexpected ledger: %+v", result.Budget)
	}
	if !result.Budget.Exceeded {
		t.Fatalf("expected exceeded flag")
	}
	if !strings.Contains(result.Error, "Used 110, budget 100") {
		t.Fatalf("expected error citing totals, got %q", result.Error)
	}

	// The overage is persisted, not discarded.
	ledger, ok := m.Budget("r1")
	if !ok || ledger.Used != 110 {
		t.Fatalf("expected the overage persisted, got %+v", ledger)
	}
}

func TestExceededLatches(t *testing.T) {
	m := NewManager(0)
	m.CreateBudget("r1", "a1", 100)
	m.CheckAndUpdate("r1", 150, 0)

	// Zero usage must not clear the flag.
	result := m.CheckAndUpdate("r1", 0, 0)
	if result.Allowed || !result.Budget.Exceeded {
		t.Fatalf("exceeded must latch under non-negative usage: %+v", result.Budget)
	}
}

func TestCheckAndUpdateInvariant(t *testing.T) {
	m := NewManager(0)
	m.CreateBudget("r1", "a1", 500)
	for _, usage := range []int{100, 200, 300, 50} {
		result := m.CheckAndUpdate("r1", usage, 0)
		b := result.Budget
		if b.Remaining != b.Budget-b.Used {
			t.Fatalf("remaining invariant broken: %+v", b)
		}
		if b.Exceeded != (b.Used > b.Budget) {
			t.Fatalf("exceeded invariant broken: %+v", b)
		}
	}
}

func TestCheckAndUpdateFailOpenWithoutLedger(t *testing.T) {
	m := NewManager(0)
	result := m.CheckAndUpdate("ghost", 100, 50)
	if !result.Allowed {
		t.Fatalf("expected fail-open for unknown run")
	}
	if result.Budget.Budget != DefaultBudget {
		t.Fatalf("expected the global default budget, got %d", result.Budget.Budget)
	}
	// No persistent state is created.
	if _, ok := m.Budget("ghost"); ok {
		t.Fatalf("fail-open path must not create a ledger")
	}
}

func TestCheckAndUpdateFailOpenBeyondDefault(t *testing.T) {
	m := NewManager(0)
	// A single call larger than the default budget is still unrestricted
	// when no ledger exists; the snapshot reports the overrun.
	result := m.CheckAndUpdate("ghost", DefaultBudget+10000, 0)
	if !result.Allowed {
		t.Fatalf("expected fail-open for unknown run, got %+v", result)
	}
	if result.Error != "" {
		t.Fatalf("fail-open must not carry an error: %q", result.Error)
	}
	if !result.Budget.Exceeded || result.Budget.Used != DefaultBudget+10000 {
		t.Fatalf("snapshot must still report the overrun: %+v", result.Budget)
	}
	if _, ok := m.Budget("ghost"); ok {
		t.Fatalf("fail-open path must not create a ledger")
	}
}

func TestCreateBudgetDefault(t *testing.T) {
	m := NewManager(0)
	b := m.CreateBudget("r1", "a1", 0)
	if b.Budget != DefaultBudget {
		t.Fatalf("expected default budget %d, got %d", DefaultBudget, b.Budget)
	}
}

func TestRecordUsageRingBuffer(t *testing.T) {
	m := NewManager(0)
	for i := 0; i < 120; i++ {
		m.RecordUsage(core.TokenUsage{
			RunID:        fmt.Sprintf("r%d", i),
			AgentID:      "a1",
			PromptTokens: 10,
		})
	}
	history := m.Usage("a1")
	if len(history) != 100 {
		t.Fatalf("expected ring capped at 100, got %d", len(history))
	}
	// The 20 oldest entries were evicted.
	if history[0].RunID != "r20" {
		t.Fatalf("expected oldest surviving entry r20, got %s", history[0].RunID)
	}
	if history[0].TotalTokens != 10 {
		t.Fatalf("expected derived total tokens, got %d", history[0].TotalTokens)
	}
}

func TestTotalUsageAndCost(t *testing.T) {
	m := NewManager(0)
	m.RecordUsage(core.TokenUsage{AgentID: "a1", PromptTokens: 100, CompletionTokens: 50})
	m.RecordUsage(core.TokenUsage{AgentID: "a1", TotalTokens: 250})
	m.RecordUsage(core.TokenUsage{AgentID: "other", TotalTokens: 999})

	if got := m.TotalUsage("a1"); got != 400 {
		t.Fatalf("expected total 400, got %d", got)
	}
	if got := m.TotalCost("a1", 0.001); got != 0.4 {
		t.Fatalf("expected cost 0.4, got %f", got)
	}
}

func TestDeleteBudgetAndClearAll(t *testing.T) {
	m := NewManager(0)
	m.CreateBudget("r1", "a1", 100)
	m.DeleteBudget("r1")
	if _, ok := m.Budget("r1"); ok {
		t.Fatalf("expected ledger removed")
	}

	m.CreateBudget("r2", "a1", 100)
	m.RecordUsage(core.TokenUsage{AgentID: "a1", TotalTokens: 10})
	m.ClearAll()
	if _, ok := m.Budget("r2"); ok {
		t.Fatalf("expected all ledgers removed")
	}
	if got := m.TotalUsage("a1"); got != 0 {
		t.Fatalf("expected history cleared, got %d", got)
	}
}
