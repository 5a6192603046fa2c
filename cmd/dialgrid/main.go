package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialgrid/dialgrid/internal/agents"
	"github.com/dialgrid/dialgrid/internal/api"
	"github.com/dialgrid/dialgrid/internal/api/middleware"
	"github.com/dialgrid/dialgrid/internal/config"
	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/database/postgres"
	"github.com/dialgrid/dialgrid/internal/dispatch"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/inbound"
	"github.com/dialgrid/dialgrid/internal/metrics"
	"github.com/dialgrid/dialgrid/internal/pacing"
	"github.com/dialgrid/dialgrid/internal/pbx"
	"github.com/dialgrid/dialgrid/internal/prompts"
	"github.com/dialgrid/dialgrid/internal/recording"
	"github.com/dialgrid/dialgrid/internal/rtp"
	"github.com/dialgrid/dialgrid/internal/scheduler"
	"github.com/dialgrid/dialgrid/internal/speech"
	"github.com/dialgrid/dialgrid/internal/telephony"
)

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialgrid",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"db_driver", cfg.DBDriver,
		"pbx_disabled", cfg.PBXDisabled,
	)

	// Open the embedded database and run migrations. Every repository lives
	// on sqlite unless -db-driver postgres moves the high-churn tables
	// (leads, call tasks, CDRs) onto PostgreSQL.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	campaigns := database.NewCampaignRepository(db)
	agentRepo := database.NewAgentRepository(db)
	audits := database.NewPacingAuditRepository(db)
	recordings := database.NewRecordingRepository(db)
	leads := database.NewLeadRepository(db)
	tasks := database.NewCallTaskRepository(db)
	cdrs := database.NewCDRRepository(db)

	if cfg.DBDriver == "postgres" {
		pg, err := postgres.New(cfg.DBDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		leads = pg.Leads()
		tasks = pg.CallTasks()
		cdrs = pg.CDRs()
		slog.Info("high-churn tables on postgres")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Event bus feeding the websocket stream and subsystem hooks.
	bus := events.NewBus(0, logger)

	// Speech client (STT and TTS). Optional: without it machine-detected
	// calls hang up silently and no transcripts are produced.
	var speechClient *speech.Client
	if cfg.SpeechEnabled() {
		speechClient = speech.NewClient(cfg.SpeechURL, cfg.SpeechAPIKey, speech.LimiterConfig{
			RequestsPerMinute: cfg.SpeechReqPerMin,
			RequestsPerHour:   cfg.SpeechReqPerHour,
			UnitsPerHour:      cfg.SpeechUnitsHour,
		}, logger)
	}

	// RTP media gateway for external-media legs.
	gateway, err := rtp.NewGateway(cfg.RTPPortMin, cfg.RTPPortMax, cfg.MediaIP(), logger)
	if err != nil {
		slog.Error("failed to create rtp gateway", "error", err)
		os.Exit(1)
	}

	// PBX control planes. With -no-pbx every consumer gets a stub that
	// reports disconnected and fails actions with a transient error, so the
	// engine runs but places no calls.
	var (
		ariClient *pbx.ARIClient
		amiClient *pbx.AMIClient

		ariCtl     telephony.ARIControl   = ariStub{}
		amiCtl     telephony.AMIControl   = amiStub{}
		ariBridger telephony.ARIBridger   = ariStub{}
		ariRec     recording.ARIRecorder  = ariStub{}
		channelCtl inbound.ChannelControl = ariStub{}
	)
	if !cfg.PBXDisabled {
		ariClient = pbx.NewARIClient(pbx.ARIConfig{
			BaseURL:  cfg.ARIURL,
			Username: cfg.ARIUser,
			Password: cfg.ARIPass,
			App:      cfg.ARIApp,
		}, logger)
		amiClient = pbx.NewAMIClient(pbx.AMIConfig{
			Host:     cfg.AMIHost,
			Port:     cfg.AMIPort,
			Username: cfg.AMIUser,
			Password: cfg.AMIPass,
		}, logger)
		ariCtl, amiCtl = ariClient, amiClient
		ariBridger, ariRec, channelCtl = ariClient, ariClient, ariClient
	}

	// Outbound call service.
	telCfg := telephony.DefaultConfig()
	telCfg.App = cfg.ARIApp
	telCfg.EndpointTemplate = cfg.DialEndpoint
	svc := telephony.NewService(telCfg, ariCtl, amiCtl, tasks, cdrs, bus, logger)

	// Campaign prompts for machine-detected calls are rendered once per
	// campaign through the TTS endpoint and replayed from disk after that.
	if speechClient != nil {
		dir := cfg.SoundsDir
		if dir == "" {
			dir = prompts.DefaultDir(cfg.DataDir)
		}
		svc.SetPromptCache(prompts.NewCache(speechClient, prompts.Config{
			Dir:   dir,
			Voice: cfg.TTSVoice,
		}, logger))
	}

	// External-media bridges and the live transcription pipeline.
	bridges := telephony.NewBridgeManager(ariBridger, gateway, logger)
	var pipeline *telephony.SpeechPipeline
	if speechClient != nil {
		pipeline = telephony.NewSpeechPipeline(bridges, speechClient, svc, bus, logger)
	}

	// Call recording.
	backend, err := recording.NewBackend(appCtx, recording.StorageConfig{
		Kind:    cfg.RecordingBackend,
		Dir:     cfg.RecordingDir,
		Bucket:  cfg.RecordingBucket,
		FTPAddr: cfg.FTPAddr,
		FTPUser: cfg.FTPUser,
		FTPPass: cfg.FTPPass,
	})
	if err != nil {
		slog.Error("failed to create recording backend", "error", err)
		os.Exit(1)
	}
	recCfg := recording.DefaultConfig()
	recCfg.RetentionDays = cfg.RecordingRetention
	recorder := recording.NewRecorder(ariRec, backend, recordings, bus, recCfg, logger)

	// Agent presence tracking with wrap-up timers.
	tracker := agents.NewTracker(agentRepo, bus, agents.Config{
		WrapUpDuration: time.Duration(cfg.WrapUpSeconds) * time.Second,
	}, logger)

	// Inbound skill-based routing.
	queues, err := loadQueues(cfg.QueuesFile)
	if err != nil {
		slog.Error("failed to load queue definitions", "file", cfg.QueuesFile, "error", err)
		os.Exit(1)
	}
	router, err := inbound.NewRouter(tracker, channelCtl, bus, inbound.Config{}, logger, queues...)
	if err != nil {
		slog.Error("failed to create inbound router", "error", err)
		os.Exit(1)
	}
	tracker.OnAvailable(router.NudgeAgent)
	router.Start()

	// Predictive pacing.
	monitor := pacing.NewMonitor()
	paceCfg := pacing.DefaultConfig()
	paceCfg.MaxPerTick = cfg.MaxOriginationsPerTick
	engine := pacing.NewEngine(audits, bus, paceCfg, logger)

	// Lead selection and retry scheduling.
	dispatcher := dispatch.NewDispatcher(leads, logger)

	// Recording starts as soon as a call is answered. Recorder.Start is an
	// ARI round-trip, so it runs off the event worker.
	svc.OnCallAnswered(func(task models.CallTask) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := recorder.Start(ctx, recording.StartRequest{
				CallTaskID: task.ID,
				ChannelID:  task.ChannelID,
				AgentID:    task.AgentID,
				Trigger:    "auto",
			}); err != nil {
				slog.Warn("auto recording failed to start", "task_id", task.ID, "error", err)
			}
		}()
	})

	// Every finished call feeds the drop-rate window, the campaign day
	// counters, and the retry scheduler.
	svc.OnCallEnded(func(task models.CallTask, cdr models.CDR) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dropped := cdr.Outcome == models.OutcomeAbandoned
		monitor.Record(task.CampaignID, cdr.EndTime, dropped)

		answered := 0
		if cdr.AnswerTime != nil {
			answered = 1
		}
		droppedN := 0
		if dropped {
			droppedN = 1
		}
		if err := campaigns.AddDailyCounts(ctx, task.CampaignID, 0, answered, droppedN); err != nil {
			slog.Warn("failed to update campaign counters", "campaign_id", task.CampaignID, "error", err)
		}

		// Keep-alive and recovery tasks carry no lead.
		if task.LeadID == 0 {
			return
		}
		lead, err := leads.GetByID(ctx, task.LeadID)
		if err != nil || lead == nil {
			slog.Warn("failed to load lead for retry scheduling", "lead_id", task.LeadID, "error", err)
			return
		}
		camp, err := campaigns.GetByID(ctx, task.CampaignID)
		if err != nil || camp == nil {
			slog.Warn("failed to load campaign for retry scheduling", "campaign_id", task.CampaignID, "error", err)
			return
		}
		if err := dispatcher.ScheduleRetry(ctx, lead, camp, cdr.Outcome); err != nil {
			slog.Warn("failed to schedule retry", "lead_id", task.LeadID, "error", err)
		}
	})

	// Channel events that belong to no outbound task are inbound calls.
	svc.OnUnmatchedEvent(router.HandleEvent)

	svc.Start()

	// Both control planes share one fan-out: the call service keeps task
	// state, the recorder tracks recording lifecycle, and the pipeline
	// attaches media on answer. Handlers must be registered before Start.
	fanout := func(ev pbx.Event) {
		svc.HandleEvent(ev)
		recorder.HandleEvent(ev)
		if pipeline != nil {
			pipeline.HandleEvent(ev)
		}
	}
	if ariClient != nil {
		ariClient.OnEvent(fanout)
		if err := ariClient.Start(appCtx); err != nil {
			slog.Error("failed to start ari client", "error", err)
			os.Exit(1)
		}
	}
	if amiClient != nil {
		amiClient.OnEvent(fanout)
		if err := amiClient.Start(appCtx); err != nil {
			slog.Error("failed to start ami client", "error", err)
			os.Exit(1)
		}
	}

	// Reconcile tasks that were mid-flight when the previous process died.
	if err := svc.Recover(appCtx); err != nil {
		slog.Warn("task recovery incomplete", "error", err)
	}

	// Periodic jobs: campaign ticks, agent reconciliation, PBX keep-alive,
	// lead recycling, daily counter resets, recording retention.
	schedDeps := scheduler.Deps{
		Campaigns:  campaigns,
		Tasks:      tasks,
		CDRs:       cdrs,
		Leads:      dispatcher,
		Agents:     tracker,
		Engine:     engine,
		Monitor:    monitor,
		Dialer:     svc,
		Recordings: recorder,
		Bus:        bus,
	}
	if ariClient != nil {
		schedDeps.ARI = ariClient
	}
	if amiClient != nil {
		schedDeps.AMI = amiClient
	}
	sched := scheduler.New(schedDeps, scheduler.Config{}, logger)
	sched.Start()

	// Prometheus metrics on a private registry.
	registry := prometheus.NewRegistry()
	var speechStats metrics.SpeechStatsProvider
	if speechClient != nil {
		speechStats = speechClient
	}
	registry.MustRegister(metrics.NewCollector(
		svc,
		&queueStatsAdapter{router: router},
		tracker,
		engine,
		monitor,
		gateway,
		speechStats,
		bus,
		start,
	))

	// HTTP surface: ops API, health checks, AI webhook, websocket events.
	apiDeps := api.Deps{
		Campaigns: campaigns,
		Engine:    engine,
		Monitor:   monitor,
		Agents:    tracker,
		Bus:       bus,
		Queues:    router,
		Store:     db,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if ariClient != nil {
		apiDeps.ARI = ariClient
	}
	if amiClient != nil {
		apiDeps.AMI = amiClient
	}
	apiSrv := api.NewServer(apiDeps, api.Config{
		WebhookSecret: cfg.WebhookSecret,
		CORSOrigins:   middleware.ParseCORSOrigins(cfg.CORSOrigins),
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Dialing stops first so no new calls
	// start, then live media and recordings wind down while the PBX
	// connections are still up to serve their teardown actions.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sched.Stop()
	svc.Stop()
	if pipeline != nil {
		pipeline.Close()
	}
	recorder.Close()
	router.Stop()
	tracker.Stop()
	bridges.CloseAll(ctx)
	if ariClient != nil {
		ariClient.Stop()
	}
	if amiClient != nil {
		amiClient.Stop()
	}
	gateway.CloseAll()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("dialgrid stopped")
}

// loadQueues reads inbound queue definitions from a JSON file. An empty path
// runs the router with no queues, which rejects inbound calls.
func loadQueues(path string) ([]inbound.QueueConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []queueFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]inbound.QueueConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, inbound.QueueConfig{
			Name:           e.Name,
			Strategy:       e.Strategy,
			MaxWait:        time.Duration(e.MaxWaitSeconds) * time.Second,
			MaxSize:        e.MaxSize,
			AnnouncementID: e.AnnouncementID,
			MohClass:       e.MohClass,
			Priority:       e.Priority,
			Overflow:       e.Overflow,
			RequiredSkills: e.RequiredSkills,
		})
	}
	slog.Info("loaded inbound queues", "file", path, "count", len(out))
	return out, nil
}

// queueFileEntry is the on-disk shape of one inbound queue definition.
type queueFileEntry struct {
	Name           string   `json:"name"`
	Strategy       string   `json:"strategy"`
	MaxWaitSeconds int      `json:"max_wait_seconds"`
	MaxSize        int      `json:"max_size"`
	AnnouncementID string   `json:"announcement_id"`
	MohClass       string   `json:"moh_class"`
	Priority       bool     `json:"priority"`
	Overflow       string   `json:"overflow"`
	RequiredSkills []string `json:"required_skills"`
}

// queueStatsAdapter bridges the inbound router with the metrics collector's
// QueueStatsProvider interface, converting between inbound and metrics types.
type queueStatsAdapter struct {
	router *inbound.Router
}

func (a *queueStatsAdapter) QueueStats() []metrics.QueueStatsEntry {
	stats := a.router.Stats()
	out := make([]metrics.QueueStatsEntry, 0, len(stats))
	for _, st := range stats {
		out = append(out, metrics.QueueStatsEntry{
			Queue:              st.Queue,
			Waiting:            st.Waiting,
			LongestWaitSeconds: st.LongestWaitSeconds,
			Matched:            st.Matched,
			Abandoned:          st.Abandoned,
			Overflowed:         st.Overflowed,
		})
	}
	return out
}

// ariStub stands in for the ARI client when -no-pbx is set. It reports
// disconnected and fails every action with a transient error so callers
// behave as they would during a PBX outage.
type ariStub struct{}

func (ariStub) Connected() bool { return false }

func (ariStub) Originate(ctx context.Context, req pbx.OriginateRequest) (string, error) {
	return "", pbx.ErrTransientNetwork
}

func (ariStub) Hangup(ctx context.Context, channelID string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) Answer(ctx context.Context, channelID string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	return "", pbx.ErrTransientNetwork
}

func (ariStub) ListChannels(ctx context.Context) ([]pbx.ChannelInfo, error) {
	return nil, pbx.ErrTransientNetwork
}

func (ariStub) CreateExternalMedia(ctx context.Context, req pbx.ExternalMediaRequest) (string, error) {
	return "", pbx.ErrTransientNetwork
}

func (ariStub) CreateBridge(ctx context.Context) (string, error) {
	return "", pbx.ErrTransientNetwork
}

func (ariStub) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) DestroyBridge(ctx context.Context, bridgeID string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) Record(ctx context.Context, channelID string, req pbx.RecordRequest) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) StopRecording(ctx context.Context, name string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) PauseRecording(ctx context.Context, name string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) ResumeRecording(ctx context.Context, name string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) FetchStoredRecording(ctx context.Context, name string) ([]byte, error) {
	return nil, pbx.ErrTransientNetwork
}

func (ariStub) DeleteStoredRecording(ctx context.Context, name string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) StartMoh(ctx context.Context, channelID, class string) error {
	return pbx.ErrTransientNetwork
}

func (ariStub) StopMoh(ctx context.Context, channelID string) error {
	return pbx.ErrTransientNetwork
}

// amiStub is the AMI counterpart of ariStub.
type amiStub struct{}

func (amiStub) Connected() bool { return false }

func (amiStub) Originate(ctx context.Context, req pbx.AMIOriginateRequest) error {
	return pbx.ErrTransientNetwork
}

func (amiStub) Hangup(ctx context.Context, channel string) error {
	return pbx.ErrTransientNetwork
}
