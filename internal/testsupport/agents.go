package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"agentcrew/internal/stage"
)

// StubAgent is a scripted stage.Handler. Scripted results are consumed in
// order per stage; once exhausted it succeeds with a small JSON payload naming
// the stage.
type StubAgent struct {
	Cost float64

	mu       sync.Mutex
	script   map[string][]StubResult
	calls    []stage.Request
	health   *stage.Health
	blockers chan struct{}
}

// StubResult is one scripted response.
type StubResult struct {
	Output stage.Output
	Err    error
}

// NewStubAgent returns an agent that reports cost for every default success.
func NewStubAgent(cost float64) *StubAgent {
	return &StubAgent{Cost: cost, script: make(map[string][]StubResult)}
}

// Script queues results for the named stage.
func (a *StubAgent) Script(stageName string, results ...StubResult) *StubAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script[stageName] = append(a.script[stageName], results...)
	return a
}

// Block makes every Execute call wait until the returned release func runs.
func (a *StubAgent) Block() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.blockers = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// SetHealth overrides the health record returned by HealthCheck.
func (a *StubAgent) SetHealth(h stage.Health) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health = &h
}

// Execute implements stage.Handler.
func (a *StubAgent) Execute(ctx context.Context, req stage.Request) (stage.Output, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	blocker := a.blockers
	var next *StubResult
	if queued := a.script[req.Stage]; len(queued) > 0 {
		head := queued[0]
		a.script[req.Stage] = queued[1:]
		next = &head
	}
	a.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return stage.Output{}, ctx.Err()
		}
	}
	if next != nil {
		return next.Output, next.Err
	}
	payload, _ := json.Marshal(map[string]any{"stage": req.Stage, "index": req.StageIndex})
	return stage.Output{Payload: payload, CostUSD: a.Cost}, nil
}

// HealthCheck implements stage.Handler.
func (a *StubAgent) HealthCheck(context.Context) stage.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.health != nil {
		return *a.health
	}
	return stage.Healthy("stub")
}

// Calls returns a copy of every request received.
func (a *StubAgent) Calls() []stage.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]stage.Request(nil), a.calls...)
}

// CallsFor returns the requests received for one stage.
func (a *StubAgent) CallsFor(name string) []stage.Request {
	var out []stage.Request
	for _, req := range a.Calls() {
		if req.Stage == name {
			out = append(out, req)
		}
	}
	return out
}

// String implements fmt.Stringer for test failure output.
func (a *StubAgent) String() string {
	return fmt.Sprintf("StubAgent(%d calls)", len(a.Calls()))
}
