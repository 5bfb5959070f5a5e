package pipeline

import (
	"context"
	"fmt"
	"sync"

	"agentcrew/internal/costguard"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/store"
)

// ledger tracks the estimated cost of admitted stages that has not been
// charged to the store yet. Admission decisions are serialized on mu so two
// runs never authorize against the same month-to-date figure.
type ledger struct {
	mu       sync.Mutex
	inFlight float64
}

// reservation is one admitted stage's outstanding estimate.
type reservation struct {
	ledger    *ledger
	remaining float64
}

// charge converts up to cost of the reservation into recorded spend.
func (r *reservation) charge(cost float64) {
	if r == nil || cost <= 0 {
		return
	}
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	d := min(cost, r.remaining)
	r.remaining -= d
	r.ledger.inFlight = max(r.ledger.inFlight-d, 0)
}

// release returns whatever is left once the stage has finished.
func (r *reservation) release() {
	if r == nil {
		return
	}
	r.charge(r.remaining)
}

// admit asks the cost guard whether def may start for r. Run spend comes from
// every attempt recorded for the run; month-to-date spend includes the
// estimates of stages other runs have already been admitted for. An allowed
// decision reserves def's estimate until the returned reservation is released.
func (c *Controller) admit(ctx context.Context, r *run.PipelineRun, def stage.Definition) (costguard.Decision, *reservation, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	monthToDate, err := c.backend.SpendSince(ctx, store.MonthStart(c.now()))
	if err != nil {
		return costguard.Decision{}, nil, fmt.Errorf("read month-to-date spend: %w", err)
	}
	runSpend, err := c.backend.SpendForRun(ctx, r.ID)
	if err != nil {
		return costguard.Decision{}, nil, fmt.Errorf("read run spend: %w", err)
	}
	decision := costguard.Authorize(c.budget, r, def.EstimatedCostUSD, costguard.Spend{
		RunUSD:         runSpend,
		MonthToDateUSD: monthToDate + c.ledger.inFlight,
	})
	if !decision.Allowed {
		return decision, nil, nil
	}
	estimate := max(def.EstimatedCostUSD, 0)
	c.ledger.inFlight += estimate
	return decision, &reservation{ledger: &c.ledger, remaining: estimate}, nil
}
