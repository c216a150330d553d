// Package api implements the Control API (C11): a thin JSON-over-HTTP
// surface that validates requests and enqueues work onto C6-C10, never
// doing the long-running work itself (spec.md §4.11).
//
// Routing rides bare net/http using Go 1.22's pattern-based ServeMux
// ("METHOD /path/{param}") rather than a router library — no HTTP
// framework appears anywhere in the retrieved corpus, and
// agentplexus-agentcall's cmd/agentcall/main.go wires its admin surface
// the same bare way (see DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/campaign"
	"github.com/lokutor-ai/callbridge/internal/csvimport"
	"github.com/lokutor-ai/callbridge/internal/dialer"
	"github.com/lokutor-ai/callbridge/internal/idgen"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/registry"
	"github.com/lokutor-ai/callbridge/internal/schedule"
	"github.com/lokutor-ai/callbridge/internal/settings"
	"github.com/lokutor-ai/callbridge/internal/webhook"
)

// Store is the slice of the Persistence Gateway the Control API reads and
// writes directly (the rest goes through C6-C10). It embeds campaign.Store
// so a runner can be built directly off the same handle without a runtime
// type assertion.
type Store interface {
	campaign.Store

	GetCallHistory(ctx context.Context, callID string) (calltypes.Session, error)
	ListCalls(ctx context.Context, status string, page, perPage int) ([]calltypes.Session, error)
	DeleteCall(ctx context.Context, callID string) error

	GetActivePrompt(ctx context.Context) (calltypes.Prompt, error)
	UpsertPrompt(ctx context.Context, p calltypes.Prompt) error
	ListPrompts(ctx context.Context) ([]calltypes.Prompt, error)
	DeletePrompt(ctx context.Context, id string) error

	CreateCampaign(ctx context.Context, c calltypes.Campaign) error
	ListCampaigns(ctx context.Context) ([]calltypes.Campaign, error)
	AddContacts(ctx context.Context, contacts []calltypes.CampaignContact) error
	ListContacts(ctx context.Context, campaignID string) ([]calltypes.CampaignContact, error)
	ExistingPhones(ctx context.Context, campaignID string, phones []string) (map[string]bool, error)

	CreateScheduledCall(ctx context.Context, sc calltypes.ScheduledCall) error
	GetScheduledCall(ctx context.Context, id string) (calltypes.ScheduledCall, error)
	ListScheduledCalls(ctx context.Context) ([]calltypes.ScheduledCall, error)

	ListActiveWebhooks(ctx context.Context) ([]calltypes.WebhookConfig, error)
	UpsertWebhook(ctx context.Context, w calltypes.WebhookConfig) error
	DeleteWebhook(ctx context.Context, id string) error
}

// SessionFactory builds a not-yet-started Session for any origin: a manual
// dial, a campaign contact, or a scheduled call.
type SessionFactory func(callID string, direction calltypes.Direction, caller, called string, prompt calltypes.PromptSnapshot, campaignID, scheduledCallID string) (*callsession.Session, error)

// API holds every dependency the handlers need. Construct with New and
// mount with Handler().
type API struct {
	registry  *registry.Registry
	dialer    *dialer.Dialer
	store     Store
	webhooks  *webhook.Dispatcher
	settings  *settings.Store
	schedules *schedule.Runner
	newSess   SessionFactory
	log       logging.Logger

	campaignsMu sync.Mutex
	campaigns   map[string]*runningCampaign
}

type runningCampaign struct {
	runner *campaign.Runner
	cancel context.CancelFunc
}

func New(reg *registry.Registry, d *dialer.Dialer, store Store, webhooks *webhook.Dispatcher, st *settings.Store, schedules *schedule.Runner, factory SessionFactory, log logging.Logger) *API {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &API{
		registry:  reg,
		dialer:    d,
		store:     store,
		webhooks:  webhooks,
		settings:  st,
		schedules: schedules,
		newSess:   factory,
		log:       log,
		campaigns: make(map[string]*runningCampaign),
	}
}

// Handler builds the routed mux. Mount it under any prefix the caller
// likes with http.StripPrefix, or directly at "/".
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /calls/dial", a.handleDial)
	mux.HandleFunc("POST /calls/{call_id}/hangup", a.handleHangup)
	mux.HandleFunc("GET /calls/active", a.handleActiveCalls)
	mux.HandleFunc("GET /calls", a.handleListCalls)
	mux.HandleFunc("GET /calls/{call_id}", a.handleGetCall)
	mux.HandleFunc("DELETE /calls/{call_id}", a.handleDeleteCall)

	mux.HandleFunc("GET /prompts", a.handleListPrompts)
	mux.HandleFunc("POST /prompts", a.handleCreatePrompt)
	mux.HandleFunc("GET /prompts/{id}", a.handleGetPrompt)
	mux.HandleFunc("PUT /prompts/{id}", a.handleUpdatePrompt)
	mux.HandleFunc("DELETE /prompts/{id}", a.handleDeletePrompt)

	mux.HandleFunc("GET /campaigns", a.handleListCampaigns)
	mux.HandleFunc("POST /campaigns", a.handleCreateCampaign)
	mux.HandleFunc("GET /campaigns/{id}", a.handleGetCampaign)
	mux.HandleFunc("POST /campaigns/{id}/contacts", a.handleImportContacts)
	mux.HandleFunc("GET /campaigns/{id}/contacts", a.handleListContacts)
	mux.HandleFunc("POST /campaigns/{id}/start", a.handleStartCampaign)
	mux.HandleFunc("POST /campaigns/{id}/pause", a.handlePauseCampaign)

	mux.HandleFunc("GET /schedule", a.handleListSchedule)
	mux.HandleFunc("POST /schedule", a.handleCreateSchedule)
	mux.HandleFunc("POST /schedule/{id}/cancel", a.handleCancelSchedule)

	mux.HandleFunc("GET /webhooks", a.handleListWebhooks)
	mux.HandleFunc("POST /webhooks", a.handleCreateWebhook)
	mux.HandleFunc("DELETE /webhooks/{id}", a.handleDeleteWebhook)

	mux.HandleFunc("GET /settings", a.handleGetSettings)
	mux.HandleFunc("PUT /settings", a.handleSetSettings)
	mux.HandleFunc("POST /settings/reload", a.handleReloadSettings)

	return mux
}

// --- calls ---

type dialRequest struct {
	Number   string `json:"number"`
	PromptID string `json:"prompt_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
}

func (a *API) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	// Idempotent admission (spec.md §8): a caller-supplied call_id that
	// already names an active session is a conflict, not a new dial, and
	// the original session is left untouched.
	callID := req.CallID
	if callID != "" {
		if _, ok := a.registry.Get(callID); ok {
			writeError(w, http.StatusConflict, "call_id already in use by an active session")
			return
		}
	} else {
		callID = idgen.NewPrefixed("call_")
	}

	prompt, err := a.resolvePrompt(r.Context(), req.PromptID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	release, ok := a.registry.Admit("", 0)
	if !ok {
		writeError(w, http.StatusConflict, "at capacity")
		return
	}

	sess, err := a.newSess(callID, calltypes.DirectionOutbound, "", req.Number, prompt, "", "")
	if err != nil {
		release()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("session construction failed: %v", err))
		return
	}
	a.registry.Register(sess, release)

	if err := a.dialer.Originate(r.Context(), req.Number, callID, prompt); err != nil {
		sess.Hangup()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("originate failed: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

func (a *API) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if err := a.registry.Hangup(callID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Snapshot())
}

func (a *API) handleListCalls(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	status := r.URL.Query().Get("status")

	calls, err := a.store.ListCalls(r.Context(), status, page, perPage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (a *API) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if sess, ok := a.registry.Get(callID); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	hist, err := a.store.GetCallHistory(r.Context(), callID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such call")
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (a *API) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if _, ok := a.registry.Get(callID); ok {
		writeError(w, http.StatusConflict, "call is still active")
		return
	}
	if err := a.store.DeleteCall(r.Context(), callID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) resolvePrompt(ctx context.Context, promptID string) (calltypes.PromptSnapshot, error) {
	var p calltypes.Prompt
	var err error
	if promptID != "" {
		p, err = a.store.GetPrompt(ctx, promptID)
	} else {
		p, err = a.store.GetActivePrompt(ctx)
	}
	if err != nil {
		return calltypes.PromptSnapshot{}, fmt.Errorf("prompt lookup failed: %w", err)
	}
	return p.Snapshot(), nil
}

// --- prompts ---

func (a *API) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := a.store.ListPrompts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (a *API) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var p calltypes.Prompt
	if !decode(w, r, &p) {
		return
	}
	if p.SystemText == "" {
		writeError(w, http.StatusBadRequest, "system_text is required")
		return
	}
	if p.ID == "" {
		p.ID = idgen.NewPrefixed("prompt_")
	}
	if err := a.store.UpsertPrompt(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such prompt")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var p calltypes.Prompt
	if !decode(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	if err := a.store.UpsertPrompt(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeletePrompt(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- campaigns ---

type createCampaignRequest struct {
	Name          string `json:"name"`
	PromptID      string `json:"prompt_id"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := a.store.ListCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.PromptID == "" {
		writeError(w, http.StatusBadRequest, "name and prompt_id are required")
		return
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}
	c := calltypes.Campaign{
		ID:            idgen.NewPrefixed("camp_"),
		Name:          req.Name,
		PromptID:      req.PromptID,
		MaxConcurrent: req.MaxConcurrent,
		Status:        calltypes.CampaignPending,
		Created:       time.Now(),
	}
	if err := a.store.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleImportContacts parses the raw text/csv request body uploaded for a
// campaign and reports how many rows were imported vs skipped as duplicates
// (spec.md §6). A multipart/form-data body is not unpacked: it is handed to
// the CSV parser as is.
func (a *API) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")
	rows, invalid, err := csvimport.Parse(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	phones := make([]string, len(rows))
	for i, row := range rows {
		phones[i] = row.Phone
	}
	existing, err := a.store.ExistingPhones(r.Context(), campaignID, phones)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fresh, duplicates := csvimport.Dedup(rows, existing)

	contacts := make([]calltypes.CampaignContact, len(fresh))
	for i, row := range fresh {
		contacts[i] = calltypes.CampaignContact{
			ID:         idgen.NewPrefixed("contact_"),
			CampaignID: campaignID,
			Phone:      row.Phone,
			Name:       row.Name,
			Status:     calltypes.ContactPending,
			Metadata:   row.Metadata,
		}
	}
	if len(contacts) > 0 {
		if err := a.store.AddContacts(r.Context(), contacts); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"imported":   len(contacts),
		"duplicates": duplicates,
		"invalid":    invalid,
	})
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.store.ListContacts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (a *API) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")
	c, err := a.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such campaign")
		return
	}
	if c.Status == calltypes.CampaignRunning {
		writeError(w, http.StatusConflict, "campaign already running")
		return
	}

	a.campaignsMu.Lock()
	defer a.campaignsMu.Unlock()
	if rc, ok := a.campaigns[campaignID]; ok {
		rc.cancel()
		delete(a.campaigns, campaignID)
	}

	if err := a.store.SetCampaignStatus(r.Context(), campaignID, calltypes.CampaignRunning); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runner := campaign.New(campaignID, a.store, a.registry, a.dialer, a.campaignSessionFactory(campaignID), a.log)
	ctx, cancel := context.WithCancel(context.Background())
	a.campaigns[campaignID] = &runningCampaign{runner: runner, cancel: cancel}
	go runner.Run(ctx)

	w.WriteHeader(http.StatusOK)
}

func (a *API) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")
	c, err := a.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such campaign")
		return
	}
	if c.Status != calltypes.CampaignRunning {
		writeError(w, http.StatusConflict, "campaign is not running")
		return
	}

	a.campaignsMu.Lock()
	if rc, ok := a.campaigns[campaignID]; ok {
		rc.runner.Stop()
		rc.cancel()
		delete(a.campaigns, campaignID)
	}
	a.campaignsMu.Unlock()

	if err := a.store.SetCampaignStatus(r.Context(), campaignID, calltypes.CampaignPaused); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CampaignOnCallEnded routes a terminated call back to its campaign's
// runner, if that campaign is currently running. The caller (cmd/agentd's
// notifier fan-out) invokes this for every call.ended event that carries a
// non-empty campaign_id; failed calls reach it too, since they also end
// with call.ended.
func (a *API) CampaignOnCallEnded(campaignID, callID string, outcome calltypes.CallOutcome, failureReason string) {
	a.campaignsMu.Lock()
	rc, ok := a.campaigns[campaignID]
	a.campaignsMu.Unlock()
	if ok {
		rc.runner.OnCallEnded(callID, outcome, failureReason)
	}
}

func (a *API) campaignSessionFactory(campaignID string) campaign.SessionFactory {
	return func(callID string, contact calltypes.CampaignContact, prompt calltypes.PromptSnapshot, campID string) (*callsession.Session, error) {
		return a.newSess(callID, calltypes.DirectionOutbound, "", contact.Phone, prompt, campID, "")
	}
}

// --- schedule ---

type createScheduleRequest struct {
	Phone         string    `json:"phone"`
	ScheduledTime time.Time `json:"scheduled_time"`
	PromptID      string    `json:"prompt_id"`
}

func (a *API) handleListSchedule(w http.ResponseWriter, r *http.Request) {
	calls, err := a.store.ListScheduledCalls(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Phone == "" || req.PromptID == "" || req.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "phone, prompt_id and scheduled_time are required")
		return
	}
	sc := calltypes.ScheduledCall{
		ID:            idgen.NewPrefixed("sched_"),
		Phone:         req.Phone,
		ScheduledTime: req.ScheduledTime,
		PromptID:      req.PromptID,
		Status:        calltypes.SchedulePending,
	}
	if err := a.store.CreateScheduledCall(r.Context(), sc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, err := a.store.GetScheduledCall(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such scheduled call")
		return
	}
	if sc.Status != calltypes.SchedulePending {
		writeError(w, http.StatusConflict, "scheduled call is no longer pending")
		return
	}
	if err := a.schedules.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- webhooks ---

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.store.ListActiveWebhooks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var cfg calltypes.WebhookConfig
	if !decode(w, r, &cfg) {
		return
	}
	if cfg.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if cfg.ID == "" {
		cfg.ID = idgen.NewPrefixed("wh_")
	}
	cfg.Active = true
	if err := a.store.UpsertWebhook(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.webhooks.Register(cfg)
	writeJSON(w, http.StatusCreated, cfg)
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.DeleteWebhook(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.webhooks.Unregister(id)
	w.WriteHeader(http.StatusOK)
}

// --- settings ---

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.settings.All())
}

func (a *API) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if !decode(w, r, &updates) {
		return
	}
	for k, v := range updates {
		if err := a.settings.Set(k, v); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, a.settings.All())
}

func (a *API) handleReloadSettings(w http.ResponseWriter, r *http.Request) {
	if err := a.settings.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.settings.All())
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
