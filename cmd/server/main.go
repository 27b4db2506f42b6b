// Command server runs the real-time voice runtime: the WebSocket and
// RTP/SIP media gateways, the inbound webhook and dialer-control HTTP
// surface, and the health/readiness/metrics endpoints. Each accepted call
// gets its own pipeline.Orchestrator wired to the shared STT/TTS/LLM
// providers and persistence layer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/blobstore"
	"github.com/voxrun/voice-runtime/internal/config"
	"github.com/voxrun/voice-runtime/internal/conversation"
	"github.com/voxrun/voice-runtime/internal/dialer"
	"github.com/voxrun/voice-runtime/internal/guardrails"
	"github.com/voxrun/voice-runtime/internal/llm"
	"github.com/voxrun/voice-runtime/internal/model"
	"github.com/voxrun/voice-runtime/internal/observability"
	"github.com/voxrun/voice-runtime/internal/persistence"
	"github.com/voxrun/voice-runtime/internal/pipeline"
	"github.com/voxrun/voice-runtime/internal/prompt"
	"github.com/voxrun/voice-runtime/internal/session"
	"github.com/voxrun/voice-runtime/internal/stt"
	"github.com/voxrun/voice-runtime/internal/telephony"
	"github.com/voxrun/voice-runtime/internal/tts"
	"github.com/voxrun/voice-runtime/internal/webhook"
)

// deps bundles every shared collaborator a per-call Orchestrator is built
// from, so the WS and RTP onCall closures don't each carry a dozen
// parameters.
type deps struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *persistence.Store
	blobs    *blobstore.FilesystemStore
	stt      *stt.DeepgramProvider
	tts      *tts.CartesiaClient
	llm      llm.Adapter
	sessions *session.Store
}

// transportProxy lets the WebSocket gateway construct a pipeline.Orchestrator
// before the WSSession exists, since the WSSession needs the Orchestrator
// itself as its telephony.InboundSink and the Orchestrator needs a
// Transport at construction time.
type transportProxy struct {
	target pipeline.Transport
}

func (p *transportProxy) SendAudio(chunk tts.AudioChunk) error { return p.target.SendAudio(chunk) }
func (p *transportProxy) Hangup() error                        { return p.target.Hangup() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("voice runtime starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, cfg.DatabaseMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to persistence store")
	}
	defer store.Close()

	if err := persistence.Migrate(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("running persistence migrations")
	}

	blobs, err := blobstore.NewFilesystemStore(cfg.RecordingsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing recordings blob store")
	}

	llmAdapter, err := llm.New(cfg.LLMProvider, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.AnthropicAPIKey, cfg.AnthropicModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing llm adapter")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parsing REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	queue := dialer.NewQueue(redisClient)
	tracker := dialer.NewActiveCallTracker(redisClient)

	d := &deps{
		cfg:      cfg,
		log:      logger,
		store:    store,
		blobs:    blobs,
		stt:      stt.NewDeepgramProvider(cfg),
		tts:      tts.NewCartesiaClient(cfg),
		llm:      llmAdapter,
		sessions: session.NewStore(),
	}

	rtpGateway, err := telephony.NewRTPGateway(telephony.RTPConfig{
		ListenAddr:   cfg.SIPListenAddr,
		Hostname:     cfg.SIPHostname,
		MediaIP:      cfg.MediaIP,
		RTPBasePort:  cfg.RTPBasePort,
		RTPPortRange: cfg.RTPPortRange,
	}, logger, d.onRTPCall)
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing rtp/sip gateway")
	}
	defer rtpGateway.Close()

	var placer dialer.CallPlacer
	if cfg.SIPTrunkHost != "" {
		placer = telephony.NewSIPDialer(rtpGateway.Client(), cfg.SIPTrunkHost, cfg.SIPTrunkPort, cfg.SIPTrunkSource, logger)
	} else {
		placer = noopCallPlacer{}
	}

	worker := dialer.NewWorker(dialer.Config{
		PollInterval:          time.Duration(cfg.DialerPollIntervalSeconds) * time.Second,
		SweepInterval:         time.Duration(cfg.DialerSweepIntervalSeconds) * time.Second,
		ConcurrencyRetryDelay: time.Duration(cfg.ConcurrencyRetryDelaySeconds) * time.Second,
		MaxConsecutiveErrors:  cfg.MaxConsecutiveErrors,
	}, queue, tracker, store, placer, logger)

	r := gin.New()
	r.Use(gin.Recovery())

	webhook.New(store, queue, worker, logger).Register(r)

	wsHandler := telephony.Handler(logger, d.onWSCall)
	r.GET("/voice/*path", gin.WrapH(wsHandler))

	r.GET("/health", gin.WrapF(observability.HealthCheckHandler()))
	r.GET("/ready", gin.WrapF(observability.ReadinessHandler(
		func(ctx context.Context) (bool, error) { return d.stt != nil, nil },
		func(ctx context.Context) (bool, error) { return d.tts != nil, nil },
		func(ctx context.Context) (bool, error) { return d.llm != nil, nil },
		func(ctx context.Context) (bool, error) { return redisClient.Ping(ctx).Err() == nil, nil },
	)))
	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
		logger.Info().Msg("prometheus metrics enabled at /metrics")
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.SIPListenAddr).Msg("sip gateway listening")
		if err := rtpGateway.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sip gateway stopped unexpectedly")
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dialer worker stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced shutdown")
	}

	logger.Info().Msg("server exited gracefully")
}

// noopCallPlacer rejects outbound placement when no SIP trunk is
// configured; the runtime can still accept inbound calls and run the
// webhook surface without one.
type noopCallPlacer struct{}

func (noopCallPlacer) PlaceCall(ctx context.Context, tenantID, campaignID, leadID, phoneNumber, voiceID string) (string, error) {
	return "", fmt.Errorf("telephony: no outbound sip trunk configured")
}

// buildOrchestrator assembles a pipeline.Orchestrator for one call, loading
// the owning campaign to derive the prompt manager and guardrail rules.
func (d *deps) buildOrchestrator(ctx context.Context, md telephony.CallMetadata, sampleRate int, transport pipeline.Transport, recorder pipeline.Recorder, callLog zerolog.Logger) (*pipeline.Orchestrator, string, error) {
	callID := md.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	campaign, err := d.store.GetCampaign(ctx, md.TenantID, md.CampaignID)
	if err != nil {
		return nil, "", fmt.Errorf("loading campaign %s: %w", md.CampaignID, err)
	}

	var doNotSay []string
	if d.cfg.DoNotSayRules != "" {
		doNotSay = strings.Split(d.cfg.DoNotSayRules, ",")
	}

	promptMgr := prompt.NewManager(prompt.BaseParams{
		AgentName:       d.cfg.AgentName,
		CompanyName:     d.cfg.CompanyName,
		GoalDescription: campaign.GoalDescription,
		Tone:            d.cfg.AgentTone,
		DoNotSayRules:   doNotSay,
	}, prompt.Overrides{
		SystemPrompt:     campaign.SystemPromptTemplate,
		Greeting:         campaign.Greeting,
		ComplianceText:   campaign.ComplianceText,
		Temperature:      campaign.Temperature,
		MaxTokens:        campaign.MaxTokens,
		MaxSentences:     campaign.MaxSentences,
		ContextVariables: campaign.ContextVariables,
	})

	guardRules := guardrails.Rules{MaxSentences: campaign.MaxSentences}
	if guardRules.MaxSentences <= 0 {
		guardRules.MaxSentences = 2
	}

	sess := &model.CallSession{
		CallID:      callID,
		TenantID:    md.TenantID,
		CampaignID:  md.CampaignID,
		LeadID:      md.LeadID,
		PhoneNumber: md.PhoneNumber,
		VoiceID:     campaign.VoiceID,
		State:       model.SessionConnecting,
		StartedAt:   time.Now(),
	}
	d.sessions.Put(sess)

	orch := pipeline.New(pipeline.Params{
		CallID:         callID,
		SampleRate:     sampleRate,
		VoiceID:        campaign.VoiceID,
		STT:            d.stt,
		TTS:            d.tts,
		LLM:            d.llm,
		Prompt:         promptMgr,
		GuardrailRules: guardRules,
		ConvLimits: conversation.Limits{
			MaxConversationTurns: d.cfg.MaxConversationTurns,
			MaxObjectionAttempts: d.cfg.MaxObjectionAttempts,
			MaxLLMErrors:         d.cfg.MaxLLMErrors,
		},
		Transport:     transport,
		Recorder:      recorder,
		Finalizer:     d.store,
		Sessions:      d.sessions,
		LatencyBudget: time.Duration(d.cfg.TotalLatencyBudgetMS) * time.Millisecond,
		BargeInBudget: time.Duration(d.cfg.BargeInLatencyBudgetMS) * time.Millisecond,
		OnLatency: func(l pipeline.Latencies) {
			if l.Total() > time.Duration(d.cfg.TotalLatencyBudgetMS)*time.Millisecond {
				callLog.Warn().Dur("total", l.Total()).Msg("turn exceeded latency budget")
			}
		},
	})

	if err := d.store.InsertCallRecord(ctx, model.CallRecord{
		CallID:           callID,
		ExternalCallUUID: md.ExternalCallUUID,
		TenantID:         md.TenantID,
		CampaignID:       md.CampaignID,
		LeadID:           md.LeadID,
		PhoneNumber:      md.PhoneNumber,
		Status:           model.CallActive,
		StartedAt:        sess.StartedAt,
	}); err != nil {
		callLog.Error().Err(err).Msg("inserting call record")
	}

	return orch, callID, nil
}

// onWSCall is the WS gateway's per-connection callback. It builds the
// Orchestrator behind a transportProxy so the WSSession — which needs the
// Orchestrator itself as its inbound audio sink — can be constructed after
// it.
func (d *deps) onWSCall(md telephony.CallMetadata, conn *websocket.Conn, callLog zerolog.Logger) {
	ctx := context.Background()
	recorder := telephony.NewCallRecorder(md.TenantID, md.CampaignID, md.CallID, 16000, d.blobs)

	proxy := &transportProxy{}
	orch, callID, err := d.buildOrchestrator(ctx, md, 16000, proxy, recorder, callLog)
	if err != nil {
		callLog.Error().Err(err).Msg("building orchestrator for websocket call")
		conn.Close()
		return
	}

	wsSess := telephony.NewWSSession(conn, orch, callLog)
	proxy.target = wsSess

	go wsSess.Pump()

	if err := orch.Run(ctx); err != nil {
		callLog.Error().Err(err).Msg("orchestrator run failed")
	}
	d.sessions.Delete(callID)
}

// onRTPCall is the RTP/SIP gateway's per-call callback. The RTPSession
// already exists by the time this fires, so it can be handed to the
// Orchestrator directly as its Transport.
func (d *deps) onRTPCall(md telephony.CallMetadata, sess *telephony.RTPSession) {
	ctx := context.Background()
	callLog := d.log.With().Str("call_id", md.CallID).Str("tenant_id", md.TenantID).Logger()
	recorder := telephony.NewCallRecorder(md.TenantID, md.CampaignID, md.CallID, 8000, d.blobs)

	orch, callID, err := d.buildOrchestrator(ctx, md, 8000, sess, recorder, callLog)
	if err != nil {
		callLog.Error().Err(err).Msg("building orchestrator for rtp call")
		sess.Hangup()
		return
	}
	sess.SetInbound(orch)

	go sess.ReadLoop()

	if err := orch.Run(ctx); err != nil {
		callLog.Error().Err(err).Msg("orchestrator run failed")
	}
	d.sessions.Delete(callID)
}
