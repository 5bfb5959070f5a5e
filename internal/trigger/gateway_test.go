package trigger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/config"
	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/trigger"
)

func ptr(v float64) *float64 { return &v }

func newGateway(rate, burst int) *trigger.Gateway {
	cfg := config.Default()
	cfg.Trigger.RatePerMinute = rate
	cfg.Trigger.Burst = burst
	cfg.Budget.MaxRunOverrideUSD = 10
	return trigger.New(&cfg)
}

func TestValidate(t *testing.T) {
	gw := newGateway(0, 0)
	tests := []struct {
		name    string
		req     trigger.Request
		want    run.Input
		wantErr bool
	}{
		{name: "topic", req: trigger.Request{Topic: "  Go generics  "}, want: run.Input{Topic: "Go generics"}},
		{name: "video url", req: trigger.Request{VideoURL: "https://youtube.com/watch?v=abc"}, want: run.Input{VideoURL: "https://youtube.com/watch?v=abc"}},
		{name: "neither", req: trigger.Request{}, wantErr: true},
		{name: "whitespace only", req: trigger.Request{Topic: "   "}, wantErr: true},
		{name: "both", req: trigger.Request{Topic: "x", VideoURL: "https://example.com/v"}, wantErr: true},
		{name: "relative url", req: trigger.Request{VideoURL: "/watch?v=abc"}, wantErr: true},
		{name: "ftp url", req: trigger.Request{VideoURL: "ftp://example.com/v"}, wantErr: true},
		{name: "hostless url", req: trigger.Request{VideoURL: "https:///v"}, wantErr: true},
		{name: "negative budget", req: trigger.Request{Topic: "x", MaxCostUSD: ptr(-1)}, wantErr: true},
		{name: "budget over ceiling", req: trigger.Request{Topic: "x", MaxCostUSD: ptr(11)}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := gw.Validate(tc.req)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, faults.ErrInvalidInput), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Input)
		})
	}
}

func TestValidateCarriesBudgetAndDryRun(t *testing.T) {
	gw := newGateway(0, 0)
	got, err := gw.Validate(trigger.Request{Topic: "x", MaxCostUSD: ptr(2.5), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2.5, got.MaxCostUSD)
	assert.True(t, got.DryRun)
}

func TestAcceptRateLimited(t *testing.T) {
	gw := newGateway(1, 2)
	for i := 0; i < 2; i++ {
		_, err := gw.Accept(trigger.Request{Topic: "x"})
		require.NoError(t, err)
	}
	_, err := gw.Accept(trigger.Request{Topic: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrRateLimited)
	assert.Positive(t, gw.RetryAfter())
}

func TestAcceptInvalidDoesNotConsumeToken(t *testing.T) {
	gw := newGateway(1, 1)
	_, err := gw.Accept(trigger.Request{})
	require.ErrorIs(t, err, faults.ErrInvalidInput)
	_, err = gw.Accept(trigger.Request{Topic: "x"})
	require.NoError(t, err)
}

func TestDecode(t *testing.T) {
	req, err := trigger.Decode([]byte(`{"videoUrl":"https://example.com/v","dryRun":true}`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v", req.VideoURL)
	assert.True(t, req.DryRun)

	for _, body := range []string{"", "{", `{"topic":"x","unknown":1}`} {
		_, err := trigger.Decode([]byte(body))
		assert.ErrorIs(t, err, faults.ErrInvalidInput, body)
	}
}
