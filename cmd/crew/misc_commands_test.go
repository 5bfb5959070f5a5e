package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigInitAndValidate(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	target := filepath.Join(home, "crew", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target})
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, target)
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidateUsesConfigFlag(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"--config", env.configPath, "config", "validate"})
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, env.configPath)
	requireContains(t, out, "Configuration valid")
}

func TestDoctorPassesWithSQLiteAndGateway(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "Data directory")
	requireContains(t, out, "Store (sqlite)")
	requireContains(t, out, "Agent gateway")
}

func TestTestNotifyWithoutTopic(t *testing.T) {
	env := setupCLITestEnv(t)
	t.Setenv("NTFY_TOPIC", "")

	out, err := env.run(t, "test-notify")
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications disabled")
}

func TestStageTitle(t *testing.T) {
	cases := map[string]string{
		"brain-curator":  "Brain Curator",
		"harvester":      "Harvester",
		"voice-producer": "Voice Producer",
	}
	for in, want := range cases {
		if got := stageTitle(in); got != want {
			t.Fatalf("stageTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDurationMs(t *testing.T) {
	cases := map[int64]string{
		0:       "-",
		250:     "250ms",
		1500:    "1.5s",
		125_000: "2m05s",
	}
	for in, want := range cases {
		if got := formatDurationMs(in); got != want {
			t.Fatalf("formatDurationMs(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestLogsFiltersByPipeline(t *testing.T) {
	env := setupCLITestEnv(t)
	content := "2026-01-01T00:00:00Z INFO pipeline: [p-1] run started\n" +
		"2026-01-01T00:00:01Z INFO pipeline: [p-2] run started\n"
	if err := os.WriteFile(filepath.Join(env.cfg.Paths.LogDir, "crewd.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, err := env.run(t, "logs", "--pipeline", "p-2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "[p-2]")
	if strings.Contains(out, "[p-1]") {
		t.Fatalf("expected p-1 to be filtered out: %q", out)
	}
}
