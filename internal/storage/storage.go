// Package storage implements the Persistence Gateway (C12) against
// modernc.org/sqlite: a pure-Go SQLite driver used through the standard
// database/sql interface (no cgo, so it always cross-compiles), grounded
// in agentplexus-agentcall's dependency on the same driver. entgo.io/ent
// appears alongside it in that corpus but requires `go generate` codegen
// that cannot be run here, so the gateway below is hand-written SQL
// instead of ent-generated code — see DESIGN.md for the full Open
// Question resolution.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

// Gateway is the modernc.org/sqlite-backed implementation of
// callsession.Gateway plus the CRUD surface internal/campaign,
// internal/schedule, internal/webhook and internal/api need.
type Gateway struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and
// ensures the schema exists.
func Open(dsn string) (*Gateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY
	g := &Gateway{db: db}
	if err := g.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) Close() error { return g.db.Close() }

func (g *Gateway) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		switch_uuid TEXT,
		caller TEXT,
		called TEXT,
		direction TEXT NOT NULL,
		prompt_id TEXT,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		answered_at TIMESTAMP,
		ended_at TIMESTAMP,
		outcome TEXT,
		failure_reason TEXT,
		campaign_id TEXT,
		scheduled_call_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL REFERENCES calls(call_id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		audio_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_call ON transcript_entries(call_id, seq)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		system_text TEXT NOT NULL,
		voice_id TEXT,
		language TEXT,
		llm_model TEXT,
		temperature REAL,
		greeting_text TEXT,
		greeting_duration_ms INTEGER,
		active INTEGER NOT NULL DEFAULT 0,
		barge_in_char_threshold INTEGER NOT NULL DEFAULT 3
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt_id TEXT NOT NULL,
		max_concurrent INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_contacts (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		phone TEXT NOT NULL,
		name TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		call_id TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_campaign_status ON campaign_contacts(campaign_id, status)`,
	`CREATE TABLE IF NOT EXISTS scheduled_calls (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		scheduled_time TIMESTAMP NOT NULL,
		prompt_id TEXT NOT NULL,
		status TEXT NOT NULL,
		call_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_status_time ON scheduled_calls(status, scheduled_time)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		events TEXT NOT NULL,
		secret TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL REFERENCES webhooks(id),
		event TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		err TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// --- callsession.Gateway ---

// InsertCall is idempotent on call_id (spec.md §4.12): a second insert for
// the same call_id is silently ignored rather than erroring, since the row
// is inserted both by cmd/agentd's session factory at admission and by the
// Session itself when the switch attaches.
func (g *Gateway) InsertCall(ctx context.Context, s *calltypes.Session) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, switch_uuid, caller, called, direction, prompt_id, state, created_at, answered_at, campaign_id, scheduled_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING`,
		s.CallID, s.SwitchUUID, s.Caller, s.Called, string(s.Direction), s.Prompt.PromptID, string(s.State),
		s.Created, nullTime(s.Answered), s.CampaignID, s.ScheduledCallID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert_call: %w", err)
	}
	return nil
}

// AppendMessage relies on seq's AUTOINCREMENT to preserve per-call
// insertion order exactly (spec.md §4.12).
func (g *Gateway) AppendMessage(ctx context.Context, callID string, entry calltypes.TranscriptEntry) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO transcript_entries (call_id, role, content, ts, audio_ms) VALUES (?, ?, ?, ?, ?)`,
		callID, string(entry.Role), entry.Content, entry.Ts, entry.AudioMs,
	)
	if err != nil {
		return fmt.Errorf("storage: append_message: %w", err)
	}
	return nil
}

func (g *Gateway) FinalizeCall(ctx context.Context, callID string, outcome calltypes.CallOutcome, endedAt time.Time, failureReason string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE calls SET state = ?, outcome = ?, failure_reason = ?, ended_at = ? WHERE call_id = ?`,
		string(calltypes.StateEnded), string(outcome), failureReason, endedAt, callID,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize_call: %w", err)
	}
	return nil
}

// GetCallHistory returns one call with its full transcript, for the
// Control API's history endpoint.
func (g *Gateway) GetCallHistory(ctx context.Context, callID string) (calltypes.Session, error) {
	var s calltypes.Session
	var promptID string
	var answered, ended sql.NullTime
	var outcome, failureReason, campaignID, scheduledCallID sql.NullString
	row := g.db.QueryRowContext(ctx, `
		SELECT call_id, switch_uuid, caller, called, direction, prompt_id, state, created_at, answered_at, ended_at, outcome, failure_reason, campaign_id, scheduled_call_id
		FROM calls WHERE call_id = ?`, callID)
	var direction, state string
	if err := row.Scan(&s.CallID, &s.SwitchUUID, &s.Caller, &s.Called, &direction, &promptID, &state, &s.Created, &answered, &ended, &outcome, &failureReason, &campaignID, &scheduledCallID); err != nil {
		return s, fmt.Errorf("storage: get_call_history: %w", err)
	}
	s.Direction = calltypes.Direction(direction)
	s.State = calltypes.State(state)
	s.Prompt.PromptID = promptID
	if answered.Valid {
		s.Answered = answered.Time
	}
	if ended.Valid {
		s.Ended = ended.Time
	}
	s.Outcome = calltypes.CallOutcome(outcome.String)
	s.FailureReason = failureReason.String
	s.CampaignID = campaignID.String
	s.ScheduledCallID = scheduledCallID.String

	rows, err := g.db.QueryContext(ctx, `SELECT role, content, ts, audio_ms FROM transcript_entries WHERE call_id = ? ORDER BY seq ASC`, callID)
	if err != nil {
		return s, fmt.Errorf("storage: get_call_history transcript: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e calltypes.TranscriptEntry
		var role string
		if err := rows.Scan(&role, &e.Content, &e.Ts, &e.AudioMs); err != nil {
			return s, fmt.Errorf("storage: scan transcript entry: %w", err)
		}
		e.Role = calltypes.Role(role)
		s.Transcript = append(s.Transcript, e)
	}
	return s, rows.Err()
}

// ListCalls returns a page of calls, most recent first, optionally
// filtered by status (spec.md §6: "GET /calls?page&per_page&status").
func (g *Gateway) ListCalls(ctx context.Context, status string, page, perPage int) ([]calltypes.Session, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage

	query := `SELECT call_id, switch_uuid, caller, called, direction, prompt_id, state, created_at, answered_at, ended_at, outcome, failure_reason, campaign_id, scheduled_call_id FROM calls`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE state = ? OR outcome = ?`
		args = append(args, status, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, offset)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list_calls: %w", err)
	}
	defer rows.Close()

	var out []calltypes.Session
	for rows.Next() {
		var s calltypes.Session
		var direction, state string
		var promptID string
		var answered, ended sql.NullTime
		var outcome, failureReason, campaignID, scheduledCallID sql.NullString
		if err := rows.Scan(&s.CallID, &s.SwitchUUID, &s.Caller, &s.Called, &direction, &promptID, &state, &s.Created, &answered, &ended, &outcome, &failureReason, &campaignID, &scheduledCallID); err != nil {
			return nil, fmt.Errorf("storage: scan call: %w", err)
		}
		s.Direction = calltypes.Direction(direction)
		s.State = calltypes.State(state)
		s.Prompt.PromptID = promptID
		if answered.Valid {
			s.Answered = answered.Time
		}
		if ended.Valid {
			s.Ended = ended.Time
		}
		s.Outcome = calltypes.CallOutcome(outcome.String)
		s.FailureReason = failureReason.String
		s.CampaignID = campaignID.String
		s.ScheduledCallID = scheduledCallID.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteCall removes one call's history (spec.md §6: "DELETE /calls/{id}").
func (g *Gateway) DeleteCall(ctx context.Context, callID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM transcript_entries WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("storage: delete_call transcript: %w", err)
	}
	res, err := g.db.ExecContext(ctx, `DELETE FROM calls WHERE call_id = ?`, callID)
	if err != nil {
		return fmt.Errorf("storage: delete_call: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("storage: delete_call: no such call %q", callID)
	}
	return nil
}

// RecoverInFlight marks every call left in a non-terminal state as failed
// at startup (spec.md §3 "Ownership": "in-memory Sessions do not survive
// process restart (in-flight calls are marked failed on startup
// recovery)"). It returns the number of rows recovered.
func (g *Gateway) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE calls SET state = ?, outcome = ?, failure_reason = ?, ended_at = ?
		WHERE ended_at IS NULL`,
		string(calltypes.StateEnded), string(calltypes.OutcomeFailed), "process restarted mid-call", time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: recover_in_flight: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- prompts ---

func (g *Gateway) GetPrompt(ctx context.Context, id string) (calltypes.Prompt, error) {
	var p calltypes.Prompt
	var active int
	row := g.db.QueryRowContext(ctx, `
		SELECT id, name, system_text, voice_id, language, llm_model, temperature, greeting_text, greeting_duration_ms, active, barge_in_char_threshold
		FROM prompts WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.SystemText, &p.VoiceID, &p.Language, &p.LLMModel, &p.Temperature, &p.GreetingText, &p.GreetingDurationMs, &active, &p.BargeInCharThreshold); err != nil {
		return p, fmt.Errorf("storage: get_prompt: %w", err)
	}
	p.Active = active != 0
	return p, nil
}

func (g *Gateway) GetActivePrompt(ctx context.Context) (calltypes.Prompt, error) {
	var p calltypes.Prompt
	row := g.db.QueryRowContext(ctx, `
		SELECT id, name, system_text, voice_id, language, llm_model, temperature, greeting_text, greeting_duration_ms, barge_in_char_threshold
		FROM prompts WHERE active = 1 LIMIT 1`)
	if err := row.Scan(&p.ID, &p.Name, &p.SystemText, &p.VoiceID, &p.Language, &p.LLMModel, &p.Temperature, &p.GreetingText, &p.GreetingDurationMs, &p.BargeInCharThreshold); err != nil {
		return p, fmt.Errorf("storage: get_active_prompt: %w", err)
	}
	p.Active = true
	return p, nil
}

// UpsertPrompt activates at most one Prompt at a time (spec.md §4.12 data
// model: "exactly one Prompt is active at a time, enforced at persistence
// via atomic swap").
func (g *Gateway) UpsertPrompt(ctx context.Context, p calltypes.Prompt) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: upsert_prompt begin: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET active = 0`); err != nil {
			return fmt.Errorf("storage: upsert_prompt deactivate: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO prompts (id, name, system_text, voice_id, language, llm_model, temperature, greeting_text, greeting_duration_ms, active, barge_in_char_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, system_text=excluded.system_text, voice_id=excluded.voice_id,
			language=excluded.language, llm_model=excluded.llm_model, temperature=excluded.temperature,
			greeting_text=excluded.greeting_text, greeting_duration_ms=excluded.greeting_duration_ms,
			active=excluded.active, barge_in_char_threshold=excluded.barge_in_char_threshold`,
		p.ID, p.Name, p.SystemText, p.VoiceID, p.Language, p.LLMModel, p.Temperature, p.GreetingText, p.GreetingDurationMs, boolToInt(p.Active), p.BargeInCharThreshold,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert_prompt: %w", err)
	}
	return tx.Commit()
}

func (g *Gateway) ListPrompts(ctx context.Context) ([]calltypes.Prompt, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, name, system_text, voice_id, language, llm_model, temperature, greeting_text, greeting_duration_ms, active, barge_in_char_threshold
		FROM prompts ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list_prompts: %w", err)
	}
	defer rows.Close()
	var out []calltypes.Prompt
	for rows.Next() {
		var p calltypes.Prompt
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.SystemText, &p.VoiceID, &p.Language, &p.LLMModel, &p.Temperature, &p.GreetingText, &p.GreetingDurationMs, &active, &p.BargeInCharThreshold); err != nil {
			return nil, fmt.Errorf("storage: scan prompt: %w", err)
		}
		p.Active = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (g *Gateway) DeletePrompt(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete_prompt: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- campaign.Store ---

func (g *Gateway) GetCampaign(ctx context.Context, campaignID string) (calltypes.Campaign, error) {
	var c calltypes.Campaign
	var status string
	row := g.db.QueryRowContext(ctx, `SELECT id, name, prompt_id, max_concurrent, status, created_at FROM campaigns WHERE id = ?`, campaignID)
	if err := row.Scan(&c.ID, &c.Name, &c.PromptID, &c.MaxConcurrent, &status, &c.Created); err != nil {
		return c, fmt.Errorf("storage: get_campaign: %w", err)
	}
	c.Status = calltypes.CampaignStatus(status)
	return c, nil
}

func (g *Gateway) CreateCampaign(ctx context.Context, c calltypes.Campaign) error {
	_, err := g.db.ExecContext(ctx, `INSERT INTO campaigns (id, name, prompt_id, max_concurrent, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.PromptID, c.MaxConcurrent, string(c.Status), c.Created)
	if err != nil {
		return fmt.Errorf("storage: create_campaign: %w", err)
	}
	return nil
}

func (g *Gateway) AddContacts(ctx context.Context, contacts []calltypes.CampaignContact) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: add_contacts begin: %w", err)
	}
	defer tx.Rollback()
	for _, c := range contacts {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("storage: add_contacts marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_contacts (id, campaign_id, phone, name, status, attempts, metadata) VALUES (?, ?, ?, ?, ?, 0, ?)`,
			c.ID, c.CampaignID, c.Phone, c.Name, string(calltypes.ContactPending), string(meta)); err != nil {
			return fmt.Errorf("storage: add_contacts: %w", err)
		}
	}
	return tx.Commit()
}

func (g *Gateway) ListPendingContacts(ctx context.Context, campaignID string, limit int) ([]calltypes.CampaignContact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone, name, status, attempts, metadata FROM campaign_contacts
		WHERE campaign_id = ? AND status = ? LIMIT ?`, campaignID, string(calltypes.ContactPending), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list_pending_contacts: %w", err)
	}
	defer rows.Close()
	var out []calltypes.CampaignContact
	for rows.Next() {
		var c calltypes.CampaignContact
		var status, meta string
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &status, &c.Attempts, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan contact: %w", err)
		}
		c.Status = calltypes.ContactStatus(status)
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Gateway) MarkContactCalling(ctx context.Context, contactID, callID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE campaign_contacts SET status = ?, attempts = attempts + 1, call_id = ? WHERE id = ?`,
		string(calltypes.ContactCalling), callID, contactID)
	if err != nil {
		return fmt.Errorf("storage: mark_contact_calling: %w", err)
	}
	return nil
}

func (g *Gateway) UpdateContactOutcome(ctx context.Context, contactID string, status calltypes.ContactStatus, lastErr string) error {
	var err error
	if status == calltypes.ContactFailed && lastErr != "" {
		_, err = g.db.ExecContext(ctx, `UPDATE campaign_contacts SET status = ?, last_error = ? WHERE id = ?`, string(status), lastErr, contactID)
	} else {
		_, err = g.db.ExecContext(ctx, `UPDATE campaign_contacts SET status = ? WHERE id = ?`, string(status), contactID)
	}
	if err != nil {
		return fmt.Errorf("storage: update_contact_outcome: %w", err)
	}
	return nil
}

// If the same contact retries into "pending" again (campaign requeue), it
// needs the status flipped back so ListPendingContacts can pick it up.
func (g *Gateway) RequeueContact(ctx context.Context, contactID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE campaign_contacts SET status = ? WHERE id = ?`, string(calltypes.ContactPending), contactID)
	if err != nil {
		return fmt.Errorf("storage: requeue_contact: %w", err)
	}
	return nil
}

func (g *Gateway) SetCampaignStatus(ctx context.Context, campaignID string, status calltypes.CampaignStatus) error {
	_, err := g.db.ExecContext(ctx, `UPDATE campaigns SET status = ? WHERE id = ?`, string(status), campaignID)
	if err != nil {
		return fmt.Errorf("storage: set_campaign_status: %w", err)
	}
	return nil
}

func (g *Gateway) ListCampaigns(ctx context.Context) ([]calltypes.Campaign, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, name, prompt_id, max_concurrent, status, created_at FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list_campaigns: %w", err)
	}
	defer rows.Close()
	var out []calltypes.Campaign
	for rows.Next() {
		var c calltypes.Campaign
		var status string
		if err := rows.Scan(&c.ID, &c.Name, &c.PromptID, &c.MaxConcurrent, &status, &c.Created); err != nil {
			return nil, fmt.Errorf("storage: scan campaign: %w", err)
		}
		c.Status = calltypes.CampaignStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Gateway) ListContacts(ctx context.Context, campaignID string) ([]calltypes.CampaignContact, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone, name, status, attempts, last_error, call_id, metadata
		FROM campaign_contacts WHERE campaign_id = ? ORDER BY rowid ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list_contacts: %w", err)
	}
	defer rows.Close()
	var out []calltypes.CampaignContact
	for rows.Next() {
		var c calltypes.CampaignContact
		var status string
		var lastErr, callID, meta sql.NullString
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &status, &c.Attempts, &lastErr, &callID, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan contact: %w", err)
		}
		c.Status = calltypes.ContactStatus(status)
		c.LastError = lastErr.String
		c.CallID = callID.String
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExistingPhones returns the subset of the given numbers already present
// as a contact in this campaign, used by the CSV import's duplicate-skip
// rule (spec.md §6).
func (g *Gateway) ExistingPhones(ctx context.Context, campaignID string, phones []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(phones) == 0 {
		return existing, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(phones)), ",")
	args := make([]interface{}, 0, len(phones)+1)
	args = append(args, campaignID)
	for _, p := range phones {
		args = append(args, p)
	}
	rows, err := g.db.QueryContext(ctx, `SELECT phone FROM campaign_contacts WHERE campaign_id = ? AND phone IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: existing_phones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, fmt.Errorf("storage: scan phone: %w", err)
		}
		existing[phone] = true
	}
	return existing, rows.Err()
}

// --- schedule.Store ---

func (g *Gateway) DueScheduledCalls(ctx context.Context, now time.Time) ([]calltypes.ScheduledCall, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, phone, scheduled_time, prompt_id, status, call_id FROM scheduled_calls
		WHERE status = ? AND scheduled_time <= ?`, string(calltypes.SchedulePending), now)
	if err != nil {
		return nil, fmt.Errorf("storage: due_scheduled_calls: %w", err)
	}
	defer rows.Close()
	var out []calltypes.ScheduledCall
	for rows.Next() {
		var sc calltypes.ScheduledCall
		var status string
		var callID sql.NullString
		if err := rows.Scan(&sc.ID, &sc.Phone, &sc.ScheduledTime, &sc.PromptID, &status, &callID); err != nil {
			return nil, fmt.Errorf("storage: scan scheduled_call: %w", err)
		}
		sc.Status = calltypes.ScheduleStatus(status)
		sc.CallID = callID.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (g *Gateway) CreateScheduledCall(ctx context.Context, sc calltypes.ScheduledCall) error {
	_, err := g.db.ExecContext(ctx, `INSERT INTO scheduled_calls (id, phone, scheduled_time, prompt_id, status) VALUES (?, ?, ?, ?, ?)`,
		sc.ID, sc.Phone, sc.ScheduledTime, sc.PromptID, string(calltypes.SchedulePending))
	if err != nil {
		return fmt.Errorf("storage: create_scheduled_call: %w", err)
	}
	return nil
}

func (g *Gateway) MarkScheduleExecuting(ctx context.Context, id, callID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE scheduled_calls SET status = ?, call_id = ? WHERE id = ?`, string(calltypes.ScheduleExecuting), callID, id)
	if err != nil {
		return fmt.Errorf("storage: mark_schedule_executing: %w", err)
	}
	return nil
}

func (g *Gateway) SetScheduleStatus(ctx context.Context, id string, status calltypes.ScheduleStatus) error {
	_, err := g.db.ExecContext(ctx, `UPDATE scheduled_calls SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: set_schedule_status: %w", err)
	}
	return nil
}

func (g *Gateway) GetScheduledCall(ctx context.Context, id string) (calltypes.ScheduledCall, error) {
	var sc calltypes.ScheduledCall
	var status string
	var callID sql.NullString
	row := g.db.QueryRowContext(ctx, `SELECT id, phone, scheduled_time, prompt_id, status, call_id FROM scheduled_calls WHERE id = ?`, id)
	if err := row.Scan(&sc.ID, &sc.Phone, &sc.ScheduledTime, &sc.PromptID, &status, &callID); err != nil {
		return sc, fmt.Errorf("storage: get_scheduled_call: %w", err)
	}
	sc.Status = calltypes.ScheduleStatus(status)
	sc.CallID = callID.String
	return sc, nil
}

func (g *Gateway) ListScheduledCalls(ctx context.Context) ([]calltypes.ScheduledCall, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, phone, scheduled_time, prompt_id, status, call_id FROM scheduled_calls ORDER BY scheduled_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list_scheduled_calls: %w", err)
	}
	defer rows.Close()
	var out []calltypes.ScheduledCall
	for rows.Next() {
		var sc calltypes.ScheduledCall
		var status string
		var callID sql.NullString
		if err := rows.Scan(&sc.ID, &sc.Phone, &sc.ScheduledTime, &sc.PromptID, &status, &callID); err != nil {
			return nil, fmt.Errorf("storage: scan scheduled_call: %w", err)
		}
		sc.Status = calltypes.ScheduleStatus(status)
		sc.CallID = callID.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

// --- webhooks ---

func (g *Gateway) ListActiveWebhooks(ctx context.Context) ([]calltypes.WebhookConfig, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, url, events, secret, active FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("storage: list_active_webhooks: %w", err)
	}
	defer rows.Close()
	var out []calltypes.WebhookConfig
	for rows.Next() {
		var w calltypes.WebhookConfig
		var events string
		var active int
		if err := rows.Scan(&w.ID, &w.URL, &events, &w.Secret, &active); err != nil {
			return nil, fmt.Errorf("storage: scan webhook: %w", err)
		}
		w.Active = active != 0
		w.Events = make(map[string]bool)
		for _, e := range strings.Split(events, ",") {
			if e != "" {
				w.Events[e] = true
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (g *Gateway) UpsertWebhook(ctx context.Context, w calltypes.WebhookConfig) error {
	events := make([]string, 0, len(w.Events))
	for e, on := range w.Events {
		if on {
			events = append(events, e)
		}
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, events, secret, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url=excluded.url, events=excluded.events, secret=excluded.secret, active=excluded.active`,
		w.ID, w.URL, strings.Join(events, ","), w.Secret, boolToInt(w.Active),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert_webhook: %w", err)
	}
	return nil
}

func (g *Gateway) DeleteWebhook(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete_webhook: %w", err)
	}
	return nil
}

// --- settings ---

func (g *Gateway) GetSetting(ctx context.Context, key string) (string, bool) {
	var value string
	row := g.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

func (g *Gateway) SetSetting(ctx context.Context, key, value string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set_setting: %w", err)
	}
	return nil
}

func (g *Gateway) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("storage: all_settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (g *Gateway) RecordDelivery(ctx context.Context, d calltypes.WebhookDelivery) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event, attempt, status_code, err, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Event, d.Attempt, d.StatusCode, d.Err, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record_delivery: %w", err)
	}
	return nil
}
