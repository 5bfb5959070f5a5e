// Package trigger validates inbound pipeline trigger requests and applies the
// intake rate limit before a run is created.
package trigger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"agentcrew/internal/config"
	"agentcrew/internal/faults"
	"agentcrew/internal/run"
)

const component = "trigger"

// Request is the wire form of a trigger body.
type Request struct {
	Topic      string   `json:"topic,omitempty"`
	VideoURL   string   `json:"videoUrl,omitempty"`
	MaxCostUSD *float64 `json:"maxCostUsd,omitempty"`
	DryRun     bool     `json:"dryRun,omitempty"`
}

// Accepted is a validated trigger ready for the controller.
type Accepted struct {
	Input      run.Input
	MaxCostUSD float64
	DryRun     bool
}

// Gateway validates trigger requests. It is safe for concurrent use.
type Gateway struct {
	limiter   *rate.Limiter
	maxPerRun float64
	now       func() time.Time
}

// New builds a gateway from configuration. A non-positive rate disables the
// intake limit.
func New(cfg *config.Config) *Gateway {
	g := &Gateway{now: time.Now}
	if cfg == nil {
		return g
	}
	g.maxPerRun = cfg.Budget.MaxRunOverrideUSD
	if cfg.Trigger.RatePerMinute > 0 {
		burst := cfg.Trigger.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.Trigger.RatePerMinute)/60.0), burst)
	}
	return g
}

// Decode parses a JSON trigger body. Unknown fields are rejected.
func Decode(body []byte) (Request, error) {
	var req Request
	if len(bytes.TrimSpace(body)) == 0 {
		return req, faults.Wrap(faults.ErrInvalidInput, component, "decode", "request body is empty", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, faults.Wrap(faults.ErrInvalidInput, component, "decode", "malformed JSON body", err)
	}
	return req, nil
}

// Accept validates req and consumes one intake token.
func (g *Gateway) Accept(req Request) (Accepted, error) {
	accepted, err := g.Validate(req)
	if err != nil {
		return Accepted{}, err
	}
	if err := g.admit(); err != nil {
		return Accepted{}, err
	}
	return accepted, nil
}

// Validate checks req without touching the rate limit.
func (g *Gateway) Validate(req Request) (Accepted, error) {
	topic := strings.TrimSpace(req.Topic)
	videoURL := strings.TrimSpace(req.VideoURL)

	switch {
	case topic == "" && videoURL == "":
		return Accepted{}, invalid("one of topic or videoUrl is required")
	case topic != "" && videoURL != "":
		return Accepted{}, invalid("topic and videoUrl are mutually exclusive")
	}
	if videoURL != "" {
		if err := validateVideoURL(videoURL); err != nil {
			return Accepted{}, err
		}
	}

	accepted := Accepted{
		Input:  run.Input{Topic: topic, VideoURL: videoURL},
		DryRun: req.DryRun,
	}
	if req.MaxCostUSD != nil {
		budget := *req.MaxCostUSD
		if math.IsNaN(budget) || math.IsInf(budget, 0) || budget < 0 {
			return Accepted{}, invalid("maxCostUsd must be a non-negative number")
		}
		if g != nil && g.maxPerRun > 0 && budget > g.maxPerRun {
			return Accepted{}, invalid(fmt.Sprintf("maxCostUsd %.2f exceeds ceiling %.2f", budget, g.maxPerRun))
		}
		accepted.MaxCostUSD = budget
	}
	return accepted, nil
}

// RetryAfter estimates how long a rejected caller should wait.
func (g *Gateway) RetryAfter() time.Duration {
	if g == nil || g.limiter == nil {
		return 0
	}
	reservation := g.limiter.ReserveN(g.now(), 1)
	defer reservation.CancelAt(g.now())
	if !reservation.OK() {
		return time.Minute
	}
	return reservation.DelayFrom(g.now())
}

func (g *Gateway) admit() error {
	if g == nil || g.limiter == nil {
		return nil
	}
	if !g.limiter.AllowN(g.now(), 1) {
		return faults.Wrap(faults.ErrRateLimited, component, "accept", "trigger rate limit exceeded", nil)
	}
	return nil
}

func validateVideoURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return faults.Wrap(faults.ErrInvalidInput, component, "validate", "videoUrl is not a valid URL", err)
	}
	if !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return invalid("videoUrl must be an absolute http(s) URL")
	}
	if parsed.Host == "" {
		return invalid("videoUrl must include a host")
	}
	return nil
}

func invalid(message string) error {
	return faults.Wrap(faults.ErrInvalidInput, component, "validate", message, nil)
}
