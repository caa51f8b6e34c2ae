package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const envelopeVersion = 1

// ActorRef names the process that produced an event.
type ActorRef struct {
	Service string `json:"service"`
	Job     string `json:"job,omitempty"`
}

// PayloadEnvelope is the JSON document stored in outbox_events.payload and
// published unchanged as the Pub/Sub message body.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

var errEmptyData = errors.New("envelope has no data")

// Seal wraps data in a fresh envelope with a new event id.
func Seal(data any, actor *ActorRef, version int, occurredAt time.Time) (PayloadEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PayloadEnvelope{}, err
	}
	if version <= 0 {
		version = envelopeVersion
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return PayloadEnvelope{
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt.UTC(),
		Actor:      actor,
		Data:       raw,
	}, nil
}

// Open decodes the envelope's data into dst. A missing or null body is an error.
func (e PayloadEnvelope) Open(dst any) error {
	if trimmed := bytes.TrimSpace(e.Data); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errEmptyData
	}
	return json.Unmarshal(e.Data, dst)
}
