// Package config provides configuration loading utilities for budget policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WorkspaceBudget overrides the default monthly budget for one workspace.
type WorkspaceBudget struct {
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd"`
}

// BudgetPolicy holds the budget thresholds and the soft-limit model
// substitution map consumed by the budget enforcer.
type BudgetPolicy struct {
	DefaultMonthlyBudgetUSD float64                    `yaml:"default_monthly_budget_usd"`
	SoftLimitPercent        float64                    `yaml:"soft_limit_percent"`
	HardLimitPercent        float64                    `yaml:"hard_limit_percent"`
	Workspaces              map[string]WorkspaceBudget `yaml:"workspaces"`
	// Substitutions maps a requested model to the cheaper model used once a
	// workspace passes the soft limit.
	Substitutions map[string]string `yaml:"substitutions"`
}

// BudgetFor returns the monthly budget for a workspace, falling back to the
// policy default.
func (p BudgetPolicy) BudgetFor(workspaceID string) float64 {
	if w, ok := p.Workspaces[workspaceID]; ok && w.MonthlyBudgetUSD > 0 {
		return w.MonthlyBudgetUSD
	}
	return p.DefaultMonthlyBudgetUSD
}

// SubstituteFor returns the soft-limit replacement for a model, if any.
func (p BudgetPolicy) SubstituteFor(model string) (string, bool) {
	m, ok := p.Substitutions[model]
	return m, ok && m != ""
}

// DefaultBudgetPolicy is the fallback used when no policy file is present.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		DefaultMonthlyBudgetUSD: 50,
		SoftLimitPercent:        80,
		HardLimitPercent:        100,
	}
}

// LoadBudgetPolicy loads the budget policy from a YAML file. A missing file
// yields the default policy; a malformed file is an error.
func LoadBudgetPolicy(filePath string) (BudgetPolicy, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return BudgetPolicy{}, fmt.Errorf("op=config.budget_policy: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return DefaultBudgetPolicy(), nil
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return BudgetPolicy{}, fmt.Errorf("op=config.budget_policy: %w", err)
	}

	policy := DefaultBudgetPolicy()
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return BudgetPolicy{}, fmt.Errorf("op=config.budget_policy: %w", err)
	}

	if policy.SoftLimitPercent <= 0 || policy.SoftLimitPercent > policy.HardLimitPercent {
		return BudgetPolicy{}, fmt.Errorf("op=config.budget_policy: soft limit %.1f must be in (0, hard limit %.1f]",
			policy.SoftLimitPercent, policy.HardLimitPercent)
	}
	return policy, nil
}
