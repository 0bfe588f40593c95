package domain

import (
	"fmt"
	"sync"
	"time"
)

// Origin of an AI call for cost attribution.
const (
	OriginSystem = "system"
	OriginUser   = "user"
)

// CallContext attributes an AI call without changing provider signatures.
// WorkspaceID is the only required field; empty optional fields are omitted
// from the recorded row.
type CallContext struct {
	WorkspaceID string
	ActorID     string
	SessionID   string
	Origin      string
	FunctionID  string
}

// Usage is one provider usage block. Estimated marks token counts derived
// locally because the provider omitted them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Estimated        bool
}

func (u Usage) add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		CostUSD:          u.CostUSD + o.CostUSD,
		Estimated:        u.Estimated || o.Estimated,
	}
}

// UsageSample is one intercepted provider call attributed to a model.
type UsageSample struct {
	Model    string
	Provider string
	Usage    Usage
}

// UsageAccumulator collects the usage of every provider call made within one
// logical task. It is carried through the context handle, never a
// thread-local. Safe for concurrent Add from parallel searches.
type UsageAccumulator struct {
	mu      sync.Mutex
	samples []UsageSample
}

func (a *UsageAccumulator) Add(s UsageSample) {
	a.mu.Lock()
	a.samples = append(a.samples, s)
	a.mu.Unlock()
}

// Drain returns the collected samples and resets the accumulator.
func (a *UsageAccumulator) Drain() []UsageSample {
	a.mu.Lock()
	out := a.samples
	a.samples = nil
	a.mu.Unlock()
	return out
}

// Total sums all collected samples without draining.
func (a *UsageAccumulator) Total() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var t Usage
	for _, s := range a.samples {
		t = t.add(s.Usage)
	}
	return t
}

// CostRecord is one persisted AI usage row.
// Invariant: recording failure must never fail the originating AI call.
type CostRecord struct {
	ID               string
	WorkspaceID      string
	ActorID          string
	SessionID        string
	FunctionID       string
	Model            string
	Provider         string
	Origin           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Estimated        bool
	CreatedAt        time.Time
}

// Budget reasons.
const (
	BudgetWithinBudget = "within_budget"
	BudgetSoftLimit    = "soft_limit"
	BudgetHardLimit    = "hard_limit"
)

// BudgetStatus is the budget enforcer's verdict for one prospective call.
type BudgetStatus struct {
	CurrentUsageUSD  float64
	BudgetUSD        float64
	PercentUsed      float64
	Reason           string
	Allowed          bool
	RecommendedModel string
}

// BudgetExceededError is raised before any provider request when the hard
// limit is reached. It unwraps to ErrBudgetExceeded.
type BudgetExceededError struct {
	WorkspaceID     string
	Model           string
	PercentUsed     float64
	CurrentUsageUSD float64
	BudgetUSD       float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: workspace=%s model=%s used=%.2f%% (%.4f/%.4f USD)",
		e.WorkspaceID, e.Model, e.PercentUsed, e.CurrentUsageUSD, e.BudgetUSD)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }
