// Package calltypes holds the data model shared across the call engine and
// the dialing control plane: sessions, prompts, campaigns, schedules and
// webhooks, per the system's data model.
package calltypes

import "time"

// Direction is the origin of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is a Call FSM state.
type State string

const (
	StatePending    State = "PENDING"
	StateGreeting   State = "GREETING"
	StateListening  State = "LISTENING"
	StateThinking   State = "THINKING"
	StateSpeaking   State = "SPEAKING"
	StateHangingUp  State = "HANGING_UP"
	StateEnded      State = "ENDED"
)

// Role is a transcript entry speaker.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// TranscriptEntry is one committed turn in a Session's rolling transcript.
type TranscriptEntry struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
	AudioMs int64     `json:"audio_ms,omitempty"`
}

// PromptSnapshot is the immutable capture of a Prompt taken at call
// admission. Hot-reloading the underlying Prompt never alters an in-flight
// call (Design Note: "Dynamic prompt config dictionaries").
type PromptSnapshot struct {
	PromptID              string
	SystemText            string
	VoiceID               string
	Language              string
	LLMModel              string
	Temperature           float64
	GreetingText          string
	GreetingDurationMs    int64
	BargeInCharThreshold  int // Open Question (a): per-prompt tunable, default 3
}

// DefaultBargeInCharThreshold is the fixed small threshold spec.md §4.5
// suggests when a Prompt doesn't override it.
const DefaultBargeInCharThreshold = 3

// CallOutcome classifies how a Session ended, used by the Campaign Runner's
// outcome rule.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeFailed    CallOutcome = "failed"
)

// Session is a live or historical call.
type Session struct {
	CallID         string
	SwitchUUID     string
	Caller         string
	Called         string
	Direction      Direction
	Prompt         PromptSnapshot
	State          State
	Created        time.Time
	Answered       time.Time
	Ended          time.Time
	Transcript     []TranscriptEntry
	Outcome        CallOutcome
	FailureReason  string
	CampaignID     string
	ScheduledCallID string
}

// Prompt is a reusable system-prompt/voice/model configuration. Exactly one
// Prompt is active at a time (enforced at persistence via atomic swap).
type Prompt struct {
	ID                 string
	Name               string
	SystemText         string
	VoiceID            string
	Language           string
	LLMModel           string
	Temperature        float64
	GreetingText       string
	GreetingDurationMs int64
	Active             bool
	BargeInCharThreshold int
}

// Snapshot captures this Prompt immutably for a new call admission (Design
// Note: "Dynamic prompt config dictionaries").
func (p Prompt) Snapshot() PromptSnapshot {
	threshold := p.BargeInCharThreshold
	if threshold <= 0 {
		threshold = DefaultBargeInCharThreshold
	}
	return PromptSnapshot{
		PromptID:             p.ID,
		SystemText:           p.SystemText,
		VoiceID:              p.VoiceID,
		Language:             p.Language,
		LLMModel:             p.LLMModel,
		Temperature:          p.Temperature,
		GreetingText:         p.GreetingText,
		GreetingDurationMs:   p.GreetingDurationMs,
		BargeInCharThreshold: threshold,
	}
}

// CampaignStatus is a Campaign's lifecycle state.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign paces a contact list through the Dialer under a concurrency cap.
type Campaign struct {
	ID            string
	Name          string
	PromptID      string
	MaxConcurrent int // 1..50
	Status        CampaignStatus
	Created       time.Time
}

// ContactStatus is a CampaignContact's lifecycle state.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
)

// CampaignContact is one number in a Campaign's contact list.
type CampaignContact struct {
	ID         string
	CampaignID string
	Phone      string
	Name       string
	Status     ContactStatus
	Attempts   int
	LastError  string
	CallID     string
	Metadata   map[string]string
}

// ScheduleStatus is a ScheduledCall's lifecycle state.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleExecuting  ScheduleStatus = "executing"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleCancelled  ScheduleStatus = "cancelled"
	ScheduleFailed     ScheduleStatus = "failed"
)

// ScheduledCall fires a one-off outbound call at a specific wall-clock time.
type ScheduledCall struct {
	ID            string
	Phone         string
	ScheduledTime time.Time
	PromptID      string
	Status        ScheduleStatus
	CallID        string
}

// WebhookConfig subscribes a URL to a set of lifecycle events.
type WebhookConfig struct {
	ID     string
	URL    string
	Events map[string]bool
	Secret string
	Active bool
}

// WebhookDelivery logs one delivery attempt of a webhook event.
type WebhookDelivery struct {
	ID         string
	WebhookID  string
	Event      string
	Attempt    int
	StatusCode int
	Err        string
	CreatedAt  time.Time
}

// EventType is a lifecycle event name dispatched to webhooks and the
// dashboard.
type EventType string

const (
	EventCallStarted       EventType = "call.started"
	EventCallStateChanged  EventType = "call.state_changed"
	EventCallEnded         EventType = "call.ended"
	EventCallFailed        EventType = "call.failed"
)
