package convo

import (
	"context"
	"strings"
	"time"
)

// TurnRecord is the durable form of a single turn.
type TurnRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	PersonaKey string    `json:"persona_key"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Archive persists turns beyond the in-memory history window. Archival is
// best-effort; the live store stays authoritative for the active conversation.
type Archive interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Close() error
}

// NewArchive returns a postgres-backed archive when configured, otherwise a no-op.
func NewArchive(ctx context.Context, databaseURL string) (Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return noopArchive{}, nil
	}
	return NewPostgresArchive(ctx, databaseURL)
}

type noopArchive struct{}

func (noopArchive) SaveTurn(context.Context, TurnRecord) error { return nil }
func (noopArchive) Close() error                               { return nil }
