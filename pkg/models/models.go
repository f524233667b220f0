package models

import (
	"errors"
	"fmt"
	"time"
)

// RoleTag identifies a behavioral persona resolved from the foreground
// application context.
type RoleTag string

const (
	RoleCode         RoleTag = "code"
	RoleProfessional RoleTag = "professional"
	RoleCreative     RoleTag = "creative"
	RoleDefault      RoleTag = "default"
)

// Mode selects the instruction scaffold wrapped around the user text.
type Mode string

const (
	ModeComplete  Mode = "complete"
	ModeRephrase  Mode = "rephrase"
	ModeAutoWrite Mode = "auto-write"
)

// Trigger records how a request was initiated. Manual triggers always
// preempt in-flight work; auto triggers are subject to the router cooldown.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// GenerationParams are opaque pass-through values handed to the inference
// gateway. Zero values mean "use the engine default".
type GenerationParams struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Persona binds a role tag to its system prompt and generation parameters.
type Persona struct {
	Role         RoleTag          `json:"role"`
	SystemPrompt string           `json:"system_prompt"`
	Params       GenerationParams `json:"params"`
}

// Request is a single generation request packet. UseBuffer requests the
// latest shared-buffer snapshot instead of explicit Text.
type Request struct {
	ID        string    `json:"id"`
	Slot      string    `json:"slot"`
	Text      string    `json:"text,omitempty"`
	UseBuffer bool      `json:"use_buffer,omitempty"`
	Mode      Mode      `json:"mode"`
	Trigger   Trigger   `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the most recent observation of the foreground application.
// Never persisted.
type Snapshot struct {
	AppID string    `json:"app_id"`
	Role  RoleTag   `json:"role"`
	At    time.Time `json:"at"`
}

// Error kinds surfaced at the router boundary. Redaction and classification
// degrade instead of failing, so only input resolution and the gateway can
// produce these.
var (
	ErrInputEmpty    = errors.New("no text available to process")
	ErrEngineTimeout = errors.New("engine exceeded allotted time")
	ErrEngineFailure = errors.New("engine returned malformed or empty completion")
)

// ErrorKind is the stable identifier delivered to the presentation sink.
type ErrorKind string

const (
	KindInputEmpty    ErrorKind = "input_empty"
	KindEngineTimeout ErrorKind = "engine_timeout"
	KindEngineFailure ErrorKind = "engine_failure"
	KindUnknown       ErrorKind = "unknown"
)

// Kind maps an error to its delivery kind.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInputEmpty):
		return KindInputEmpty
	case errors.Is(err, ErrEngineTimeout):
		return KindEngineTimeout
	case errors.Is(err, ErrEngineFailure):
		return KindEngineFailure
	default:
		return KindUnknown
	}
}

// Message returns the short human-readable text shown at the presentation
// boundary. It never includes internal state or user text.
func (k ErrorKind) Message() string {
	switch k {
	case KindInputEmpty:
		return "Nothing to work with yet - type a little more first."
	case KindEngineTimeout:
		return "The model took too long to respond."
	case KindEngineFailure:
		return "The model did not produce a usable completion."
	default:
		return "Generation failed."
	}
}

func (m Mode) Valid() bool {
	switch m {
	case ModeComplete, ModeRephrase, ModeAutoWrite:
		return true
	}
	return false
}

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want complete, rephrase, or auto-write)", s)
	}
	return m, nil
}
