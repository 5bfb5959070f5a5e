package config

const (
	defaultDataDir               = "~/.local/share/agentcrew"
	defaultLogDir                = "~/.local/share/agentcrew/logs"
	defaultAPIBind               = "127.0.0.1:7711"
	defaultStoreDriver           = StoreSQLite
	defaultPerRunBudgetUSD       = 5.0
	defaultMonthlyBudgetUSD      = 150.0
	defaultMaxRunOverrideUSD     = 25.0
	defaultStageTimeoutSeconds   = 900
	defaultMaxAttempts           = 3
	defaultBackoffInitialMs      = 2000
	defaultBackoffMaxMs          = 60000
	defaultHealthTimeoutSeconds  = 5
	defaultShutdownTimeout       = 30
	defaultTriggerRatePerMinute  = 30
	defaultTriggerBurst          = 5
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultNotifyRequestTimeout  = 10
	defaultGatewayURL            = "http://127.0.0.1:8700"
	defaultDefaultModel          = "claude-sonnet"
	defaultTelemetryServiceName  = "agentcrew"
	defaultTTSHealthURL          = "http://127.0.0.1:8020/health"
	defaultComfyUIHealthURL      = "http://127.0.0.1:8188/system_stats"
	defaultServiceKind           = ServiceHTTP
	defaultNotifyRunStarted      = true
	defaultNotifyRunCompleted    = true
	defaultNotifyRunFailed       = true
	defaultNotifyCostPaused      = true
	defaultNotifyServiceDown     = true
	defaultMetricsEnabled        = true
	defaultAutoResumeInterrupted = false
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Store: Store{
			Driver: defaultStoreDriver,
		},
		Budget: Budget{
			PerRunUSD:         defaultPerRunBudgetUSD,
			GlobalMonthlyUSD:  defaultMonthlyBudgetUSD,
			MaxRunOverrideUSD: defaultMaxRunOverrideUSD,
		},
		Workflow: Workflow{
			StageTimeout:          defaultStageTimeoutSeconds,
			MaxAttempts:           defaultMaxAttempts,
			BackoffInitialMs:      defaultBackoffInitialMs,
			BackoffMaxMs:          defaultBackoffMaxMs,
			HealthTimeout:         defaultHealthTimeoutSeconds,
			ShutdownTimeout:       defaultShutdownTimeout,
			AutoResumeInterrupted: defaultAutoResumeInterrupted,
		},
		Trigger: Trigger{
			RatePerMinute: defaultTriggerRatePerMinute,
			Burst:         defaultTriggerBurst,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			RunStarted:     defaultNotifyRunStarted,
			RunCompleted:   defaultNotifyRunCompleted,
			RunFailed:      defaultNotifyRunFailed,
			CostPaused:     defaultNotifyCostPaused,
			ServiceDown:    defaultNotifyServiceDown,
		},
		Telemetry: Telemetry{
			ServiceName:    defaultTelemetryServiceName,
			MetricsEnabled: defaultMetricsEnabled,
		},
		Crew: Crew{
			GatewayURL:   defaultGatewayURL,
			DefaultModel: defaultDefaultModel,
		},
		Services: []Service{
			{ID: "tts", Name: "TTS Server", URL: defaultTTSHealthURL, Kind: defaultServiceKind},
			{ID: "comfyui", Name: "ComfyUI", URL: defaultComfyUIHealthURL, Kind: defaultServiceKind},
		},
		Stages: map[string]StageOverride{
			"voice-producer":  {RequiredServices: []string{"tts"}},
			"visual-director": {RequiredServices: []string{"comfyui"}},
		},
		Agents: defaultAgents(),
	}
}

func defaultAgents() []Agent {
	return []Agent{
		{ID: "harvester", Name: "Harvester", Description: "Collects trending sources and reference material for a topic or video", Capabilities: []string{"harvest"}},
		{ID: "brain-curator", Name: "Brain Curator", Description: "Curates harvested material into a ranked knowledge brief", Capabilities: []string{"curate"}},
		{ID: "script-writer", Name: "Script Writer", Description: "Writes the narration script and chapter outline", Capabilities: []string{"write-script"}},
		{ID: "voice-producer", Name: "Voice Producer", Description: "Synthesizes narration audio from the script", Capabilities: []string{"tts"}},
		{ID: "visual-director", Name: "Visual Director", Description: "Plans and renders scene visuals", Capabilities: []string{"direct-visuals"}},
		{ID: "video-composer", Name: "Video Composer", Description: "Assembles audio and visuals into the final cut", Capabilities: []string{"compose-video"}},
		{ID: "publisher", Name: "Publisher", Description: "Uploads the video with title, description, and tags", Capabilities: []string{"publish"}},
	}
}
