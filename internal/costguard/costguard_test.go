package costguard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agentcrew/internal/config"
	"agentcrew/internal/costguard"
	"agentcrew/internal/run"
)

func spentRun(costs ...float64) *run.PipelineRun {
	r := &run.PipelineRun{ID: "p", Status: run.StatusRunning}
	for i, c := range costs {
		r.Stages = append(r.Stages, run.StageResult{Index: i, Status: run.StageCompleted, CostUSD: c})
	}
	return r
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name        string
		budget      costguard.Budget
		run         *run.PipelineRun
		estimated   float64
		monthToDate float64
		runSpend    float64
		allowed     bool
		budgetName  string
	}{
		{name: "under both", budget: costguard.Budget{PerRunUSD: 5, GlobalMonthlyUSD: 100}, run: spentRun(1, 1), estimated: 1, monthToDate: 10, allowed: true},
		{name: "exactly at per-run limit", budget: costguard.Budget{PerRunUSD: 3}, run: spentRun(1, 1), estimated: 1, allowed: true},
		{name: "per-run exceeded", budget: costguard.Budget{PerRunUSD: 3}, run: spentRun(1, 1.5), estimated: 1, budgetName: costguard.BudgetPerRun},
		{name: "monthly exceeded", budget: costguard.Budget{PerRunUSD: 50, GlobalMonthlyUSD: 100}, run: spentRun(), estimated: 2, monthToDate: 99, budgetName: costguard.BudgetMonthly},
		{name: "unlimited", budget: costguard.Budget{}, run: spentRun(1000), estimated: 1000, monthToDate: 1e6, allowed: true},
		{name: "run override tighter", budget: costguard.Budget{PerRunUSD: 10}, run: &run.PipelineRun{MaxCostUSD: 0.5}, estimated: 1, budgetName: costguard.BudgetPerRun},
		{name: "float drift", budget: costguard.Budget{PerRunUSD: 0.3}, run: spentRun(0.1, 0.1), estimated: 0.1, allowed: true},
		{name: "discarded attempts count", budget: costguard.Budget{PerRunUSD: 1}, run: spentRun(0.2), estimated: 0.2, runSpend: 0.9, budgetName: costguard.BudgetPerRun},
		{name: "recorded stages are a floor", budget: costguard.Budget{PerRunUSD: 1}, run: spentRun(0.9), estimated: 0.2, runSpend: 0.1, budgetName: costguard.BudgetPerRun},
		{name: "failed tail counts", budget: costguard.Budget{PerRunUSD: 1}, run: &run.PipelineRun{Stages: []run.StageResult{{Status: run.StageFailed, CostUSD: 0.9}}}, estimated: 0.2, budgetName: costguard.BudgetPerRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := costguard.Authorize(tt.budget, tt.run, tt.estimated, costguard.Spend{RunUSD: tt.runSpend, MonthToDateUSD: tt.monthToDate})
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			if !tt.allowed {
				assert.Equal(t, tt.budgetName, d.Budget)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestAuthorizeIsPure(t *testing.T) {
	r := spentRun(1)
	b := costguard.Budget{PerRunUSD: 2}
	first := costguard.Authorize(b, r, 0.5, costguard.Spend{RunUSD: 1})
	second := costguard.Authorize(b, r, 0.5, costguard.Spend{RunUSD: 1})
	assert.Equal(t, first, second)
	assert.Len(t, r.Stages, 1)
}

func TestBudgetFromConfig(t *testing.T) {
	cfg := config.Default()
	b := costguard.BudgetFromConfig(&cfg)
	assert.Equal(t, cfg.Budget.PerRunUSD, b.PerRunUSD)
	assert.Equal(t, cfg.Budget.GlobalMonthlyUSD, b.GlobalMonthlyUSD)
	assert.Equal(t, costguard.Budget{}, costguard.BudgetFromConfig(nil))
}
