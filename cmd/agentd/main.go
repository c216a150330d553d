// Command agentd is the server process: it wires the Persistence Gateway,
// Settings store, Session Registry, Dialer, Campaign/Schedule Runners,
// Webhook Dispatcher, Switch Adapter, Control API, dashboard and telemetry
// together and serves them over HTTP.
//
// The signal-handling/shutdown shape (context cancelled on SIGINT/SIGTERM,
// a bounded drain before exit) is carried over from the teacher-adjacent
// agentplexus-agentcall's cmd/agentcall/main.go; flags are parsed with the
// standard library's flag package rather than a CLI framework, following
// that same entry point's own bare style (no cobra/urfave call site
// appears anywhere in the retrieved corpus — see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/callbridge/internal/api"
	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/dashboard"
	"github.com/lokutor-ai/callbridge/internal/dialer"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/providers/tts"
	"github.com/lokutor-ai/callbridge/internal/registry"
	"github.com/lokutor-ai/callbridge/internal/schedule"
	"github.com/lokutor-ai/callbridge/internal/settings"
	"github.com/lokutor-ai/callbridge/internal/storage"
	"github.com/lokutor-ai/callbridge/internal/switchctl"
	"github.com/lokutor-ai/callbridge/internal/switchws"
	"github.com/lokutor-ai/callbridge/internal/telemetry"
	"github.com/lokutor-ai/callbridge/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("agentd: fatal: %v", err)
	}
}

func run() error {
	settingsPath := flag.String("settings", "settings.yaml", "path to the YAML settings file")
	switchBaseURL := flag.String("switch-url", "http://localhost:9000", "base URL of the switch's REST control plane")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agentd: shutting down...")
		cancel()
	}()

	logger, err := logging.NewZapLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	db, err := storage.Open(os.Getenv("CALLBRIDGE_DATABASE_DSN"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if recovered, err := db.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover in-flight calls: %w", err)
	} else if recovered > 0 {
		logger.Info("agentd: recovered in-flight calls as failed", "count", recovered)
	}

	st, err := settings.NewStore(*settingsPath, db)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	providers := buildProviders(st)

	metrics, metricsHandler, shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	webhooks := webhook.New(db, logger)
	activeWebhooks, err := db.ListActiveWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}
	for _, w := range activeWebhooks {
		webhooks.Register(w)
	}

	maxConcurrent := int64(st.GetInt(settings.KeyMaxConcurrentCalls, 50))
	reg := registry.New(maxConcurrent, nil, logger)

	hub := dashboard.NewHub(reg, logger)
	notifier := &fanNotifier{webhooks: webhooks, hub: hub, metrics: metrics}

	sessionFactory := func(callID string, direction calltypes.Direction, caller, called string, prompt calltypes.PromptSnapshot, campaignID, scheduledCallID string) (*callsession.Session, error) {
		sess := callsession.New(callID, direction, caller, called, prompt, campaignID, scheduledCallID, providers, db, notifier, logger, callsession.DefaultConfig())
		if err := db.InsertCall(ctx, &calltypes.Session{
			CallID: callID, Caller: caller, Called: called, Direction: direction,
			Prompt: prompt, State: calltypes.StatePending, Created: time.Now(),
			CampaignID: campaignID, ScheduledCallID: scheduledCallID,
		}); err != nil {
			return nil, fmt.Errorf("insert call: %w", err)
		}
		return sess, nil
	}

	reg.SetInbound(func(callID, caller, called string) (*callsession.Session, error) {
		prompt, err := db.GetActivePrompt(ctx)
		if err != nil {
			return nil, fmt.Errorf("active prompt lookup: %w", err)
		}
		return sessionFactory(callID, calltypes.DirectionInbound, caller, called, prompt.Snapshot(), "", "")
	})

	control := switchctl.New(*switchBaseURL)
	d := dialer.New(control, logger)

	scheduleFactory := func(callID string, sc calltypes.ScheduledCall, prompt calltypes.PromptSnapshot) (*callsession.Session, error) {
		return sessionFactory(callID, calltypes.DirectionOutbound, "", sc.Phone, prompt, "", sc.ID)
	}
	scheduleRunner := schedule.New(db, reg, d, scheduleFactory, logger)
	go scheduleRunner.Run(ctx)

	apiHandlers := api.New(reg, d, db, webhooks, st, scheduleRunner, sessionFactory, logger)

	// fanNotifier needs to route terminated calls back to C8/C9, but both
	// are constructed after it (they in turn need the registry/dialer this
	// notifier is built from) — wired late to break the cycle.
	notifier.SetConsumers(apiHandlers, scheduleRunner)

	switchServer := switchws.NewServer(reg, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws/", switchServer)
	mux.Handle("/dashboard", hub)
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", apiHandlers.Handler())

	addr := st.GetDefault(settings.KeyHTTPAddr, ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg.Shutdown(shutdownCtx)
		scheduleRunner.Stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("agentd: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// campaignConsumer and scheduleConsumer are the narrow slices of
// internal/api.API and internal/schedule.Runner that fanNotifier needs to
// route a terminated call back to its owning campaign or scheduled call
// (spec.md §4.8/§4.9). Both are driven off call.ended, which every call
// emits once, failed calls included.
type campaignConsumer interface {
	CampaignOnCallEnded(campaignID, callID string, outcome calltypes.CallOutcome, failureReason string)
}

type scheduleConsumer interface {
	OnCallEnded(callID string, outcome calltypes.CallOutcome, failureReason string)
}

// fanNotifier fans one lifecycle event out to the webhook dispatcher, the
// dashboard hub, the metrics recorder, and — for call.ended — the campaign
// and schedule runners that own the terminated call, if any.
// It is constructed before those runners exist (they in turn depend on the
// registry/dialer this notifier is wired into), so its consumers are set
// late via SetConsumers rather than passed to a constructor.
type fanNotifier struct {
	webhooks *webhook.Dispatcher
	hub      *dashboard.Hub
	metrics  *telemetry.Metrics

	campaigns campaignConsumer
	schedules scheduleConsumer
}

// SetConsumers wires the campaign/schedule runners once they exist. Must be
// called before the first call reaches a terminal state.
func (n *fanNotifier) SetConsumers(campaigns campaignConsumer, schedules scheduleConsumer) {
	n.campaigns = campaigns
	n.schedules = schedules
}

func (n *fanNotifier) Notify(event calltypes.EventType, callID string, data interface{}) {
	n.webhooks.Notify(event, callID, data)
	n.hub.Notify(event, callID, data)
	switch event {
	case calltypes.EventCallStarted:
		n.metrics.ActiveSessions.Add(context.Background(), 1)
	case calltypes.EventCallEnded:
		// Every call ends with exactly one call.ended (a failed call emits
		// call.failed first), so that event alone carries the metrics.
		if sess, ok := data.(calltypes.Session); ok {
			if !sess.Answered.IsZero() {
				n.metrics.ActiveSessions.Add(context.Background(), -1)
			}
			n.metrics.RecordCallEnded(sess.Outcome, sess.Ended.Sub(sess.Created).Seconds())
		}
	}
	if event != calltypes.EventCallEnded {
		return
	}
	sess, ok := data.(calltypes.Session)
	if !ok {
		return
	}
	if sess.CampaignID != "" && n.campaigns != nil {
		n.campaigns.CampaignOnCallEnded(sess.CampaignID, callID, sess.Outcome, sess.FailureReason)
	}
	if sess.ScheduledCallID != "" && n.schedules != nil {
		n.schedules.OnCallEnded(callID, sess.Outcome, sess.FailureReason)
	}
}

// buildProviders selects the STT/LLM/TTS adapters named by settings,
// constructed once at startup and reused (as connection-pooling clients)
// across every call's Session.
func buildProviders(st *settings.Store) callsession.Providers {
	var p callsession.Providers

	switch st.GetDefault(settings.KeySTTProvider, "deepgram") {
	case "deepgram":
		p.STT = stt.NewDeepgramStreamingSTT(st.GetDefault(settings.KeyDeepgramAPIKey, ""))
	case "groq":
		p.STTBatch = stt.NewGroqSTT(st.GetDefault(settings.KeyGroqAPIKey, ""), "whisper-large-v3")
	case "openai":
		p.STTBatch = stt.NewOpenAISTT(st.GetDefault(settings.KeyOpenAIAPIKey, ""), "whisper-1")
	case "assemblyai":
		p.STTBatch = stt.NewAssemblyAISTT(st.GetDefault(settings.KeyAssemblyAIAPIKey, ""))
	}

	switch st.GetDefault(settings.KeyLLMProvider, "anthropic") {
	case "anthropic":
		p.LLM = llm.NewAnthropicLLM(st.GetDefault(settings.KeyAnthropicAPIKey, ""), st.GetDefault(settings.KeyDefaultLLMModel, "claude-3-5-sonnet-20241022"))
	case "openai":
		p.LLMBatch = llm.NewOpenAILLM(st.GetDefault(settings.KeyOpenAIAPIKey, ""), st.GetDefault(settings.KeyDefaultLLMModel, "gpt-4o"))
	case "groq":
		p.LLMBatch = llm.NewGroqLLM(st.GetDefault(settings.KeyGroqAPIKey, ""), st.GetDefault(settings.KeyDefaultLLMModel, "llama-3.1-70b-versatile"))
	case "google":
		p.LLMBatch = llm.NewGoogleLLM(st.GetDefault(settings.KeyGoogleAPIKey, ""), st.GetDefault(settings.KeyDefaultLLMModel, "gemini-1.5-pro"))
	}

	p.TTS = tts.NewLokutorTTS(st.GetDefault(settings.KeyLokutorAPIKey, ""))

	return p
}
