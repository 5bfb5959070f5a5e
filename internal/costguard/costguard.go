// Package costguard decides whether the next stage of a run may start.
//
// Authorize is a pure function of the run, the stage estimate, the spend
// figures in Spend, and the configured budgets. Callers read spend from the
// store and add any estimates already admitted but not yet charged.
package costguard

import (
	"fmt"

	"agentcrew/internal/config"
	"agentcrew/internal/run"
)

// Budget names used in decisions and metrics.
const (
	BudgetPerRun  = "per_run"
	BudgetMonthly = "monthly"
)

// tolerance absorbs float drift when summing cent-scale costs.
const tolerance = 1e-9

// Budget holds spending limits. Zero means unlimited.
type Budget struct {
	PerRunUSD        float64
	GlobalMonthlyUSD float64
}

// BudgetFromConfig extracts the budget section.
func BudgetFromConfig(cfg *config.Config) Budget {
	if cfg == nil {
		return Budget{}
	}
	return Budget{
		PerRunUSD:        cfg.Budget.PerRunUSD,
		GlobalMonthlyUSD: cfg.Budget.GlobalMonthlyUSD,
	}
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed      bool
	Budget       string
	Reason       string
	SpentUSD     float64
	EstimatedUSD float64
	LimitUSD     float64
}

// Spend is what has been charged so far.
type Spend struct {
	// RunUSD is every attempt charged to the run, including attempts of
	// stages discarded by a resume. The run's recorded stage costs act as a
	// floor.
	RunUSD float64
	// MonthToDateUSD is the spend of all runs this month plus in-flight
	// reservations.
	MonthToDateUSD float64
}

// Authorize checks the run's spend plus estimated against the per-run budget
// (the run's own cap when set) and the month-to-date spend plus estimated
// against the monthly budget.
func Authorize(b Budget, r *run.PipelineRun, estimated float64, spend Spend) Decision {
	spent := max(spend.RunUSD, r.SpentUSD())
	monthToDate := spend.MonthToDateUSD
	perRun := b.PerRunUSD
	if r != nil && r.MaxCostUSD > 0 {
		perRun = r.MaxCostUSD
	}

	if perRun > 0 && spent+estimated > perRun+tolerance {
		return Decision{
			Budget:       BudgetPerRun,
			Reason:       fmt.Sprintf("per-run budget exceeded: spent $%.2f + next stage $%.2f > $%.2f", spent, estimated, perRun),
			SpentUSD:     spent,
			EstimatedUSD: estimated,
			LimitUSD:     perRun,
		}
	}
	if b.GlobalMonthlyUSD > 0 && monthToDate+estimated > b.GlobalMonthlyUSD+tolerance {
		return Decision{
			Budget:       BudgetMonthly,
			Reason:       fmt.Sprintf("monthly budget exceeded: spent $%.2f + next stage $%.2f > $%.2f", monthToDate, estimated, b.GlobalMonthlyUSD),
			SpentUSD:     monthToDate,
			EstimatedUSD: estimated,
			LimitUSD:     b.GlobalMonthlyUSD,
		}
	}
	return Decision{Allowed: true, SpentUSD: spent, EstimatedUSD: estimated, LimitUSD: perRun}
}
