package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one lifecycle notification ready to leave the process
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	SessionID int64           `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
