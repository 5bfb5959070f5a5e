package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"agentcrew/internal/config"
	"agentcrew/internal/logging"
	"agentcrew/internal/stage"
)

// Status is the observed state of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Record is the result of probing one service.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Healthy reports whether the record is healthy.
func (r Record) Healthy() bool { return r.Status == StatusHealthy }

// Ready reports whether every record is healthy.
func Ready(records []Record) bool {
	for _, r := range records {
		if !r.Healthy() {
			return false
		}
	}
	return true
}

// Prober checks one service. A nil error means healthy; errors wrapped with
// ErrOffline, timeouts, and dial failures mean offline; anything else is
// unhealthy.
type Prober interface {
	Probe(ctx context.Context, svc config.Service) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, svc config.Service) error

func (f ProberFunc) Probe(ctx context.Context, svc config.Service) error { return f(ctx, svc) }

// ErrOffline marks a probe failure where the service never answered.
var ErrOffline = errors.New("service offline")

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithProber overrides the prober used for a service kind.
func WithProber(kind string, p Prober) Option {
	return func(a *Aggregator) { a.probers[kind] = p }
}

// WithLogger sets the aggregator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logging.NewComponentLogger(logger, "health") }
}

// Aggregator probes configured services and answers stage readiness.
type Aggregator struct {
	services     []config.Service
	requirements map[string][]string
	timeout      time.Duration
	probers      map[string]Prober
	logger       *slog.Logger
}

// New builds an aggregator for cfg's services and reg's stage requirements.
func New(cfg *config.Config, reg *stage.Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		services:     append([]config.Service(nil), cfg.Services...),
		requirements: make(map[string][]string, reg.Len()),
		timeout:      cfg.HealthTimeout(),
		probers: map[string]Prober{
			config.ServiceHTTP: NewHTTPProber(nil),
			config.ServiceMCP:  NewMCPProber(),
		},
		logger: logging.NewComponentLogger(nil, "health"),
	}
	if a.timeout <= 0 {
		a.timeout = 5 * time.Second
	}
	for _, def := range reg.Definitions() {
		if len(def.RequiredServices) > 0 {
			a.requirements[def.Name] = def.RequiredServices
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Services returns the configured services.
func (a *Aggregator) Services() []config.Service {
	return append([]config.Service(nil), a.services...)
}

// CheckAll probes every configured service concurrently. Records are
// returned in configuration order.
func (a *Aggregator) CheckAll(ctx context.Context) []Record {
	return a.check(ctx, a.services)
}

// IsReady probes only the services required by stageName. A stage with no
// requirements is always ready.
func (a *Aggregator) IsReady(ctx context.Context, stageName string) (bool, []Record) {
	required := a.requirements[stageName]
	if len(required) == 0 {
		return true, nil
	}
	services := make([]config.Service, 0, len(required))
	var missing []Record
	for _, id := range required {
		svc, ok := a.lookup(id)
		if !ok {
			missing = append(missing, Record{ID: id, Name: id, Status: StatusOffline, Error: "service not configured", CheckedAt: time.Now().UTC()})
			continue
		}
		services = append(services, svc)
	}
	records := append(a.check(ctx, services), missing...)
	return Ready(records), records
}

func (a *Aggregator) lookup(id string) (config.Service, bool) {
	for _, svc := range a.services {
		if svc.ID == id {
			return svc, true
		}
	}
	return config.Service{}, false
}

func (a *Aggregator) check(ctx context.Context, services []config.Service) []Record {
	records := make([]Record, len(services))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range services {
		g.Go(func() error {
			records[i] = a.probe(gctx, svc)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (a *Aggregator) probe(ctx context.Context, svc config.Service) Record {
	rec := Record{ID: svc.ID, Name: svc.Name, CheckedAt: time.Now().UTC()}
	prober, ok := a.probers[svc.Kind]
	if !ok {
		rec.Status = StatusUnhealthy
		rec.Error = fmt.Sprintf("unsupported service kind %q", svc.Kind)
		return rec
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	err := prober.Probe(probeCtx, svc)
	rec.LatencyMs = time.Since(start).Milliseconds()
	rec.Status = classify(probeCtx, err)
	if err != nil {
		rec.Error = err.Error()
		a.logger.Debug("service probe failed",
			logging.String("service", svc.ID),
			logging.String("status", string(rec.Status)),
			logging.Int64("latency_ms", rec.LatencyMs),
			logging.Error(err),
		)
	}
	return rec
}

func classify(ctx context.Context, err error) Status {
	if err == nil {
		return StatusHealthy
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return StatusOffline
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusOffline
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusOffline
	}
	return StatusUnhealthy
}

// Summary groups records by status for logs and notifications.
func Summary(records []Record) map[Status][]string {
	out := make(map[Status][]string)
	for _, r := range records {
		out[r.Status] = append(out[r.Status], r.ID)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}
