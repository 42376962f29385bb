package convo

import (
	"errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrStale reports that the session advanced past the epoch an append was
	// conditioned on; the caller's result belongs to an already-answered turn.
	ErrStale = errors.New("session epoch advanced")
)

// Turn is one utterance in a session. Turns are append-only and never mutated.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is a live call or message thread keyed by the carrier-assigned id.
type Session struct {
	ID             string    `json:"session_id"`
	PersonaKey     string    `json:"persona_key"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Turns          []Turn    `json:"turns"`
	Epoch          int64     `json:"epoch"`
}
