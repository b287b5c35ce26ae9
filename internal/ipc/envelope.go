package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on the wire with an id and send time.
type Envelope struct {
	ID      uuid.UUID
	SentAt  time.Time
	Message Message
}

// NewEnvelope stamps a message for sending.
func NewEnvelope(msg Message) Envelope {
	return Envelope{
		ID:      uuid.New(),
		SentAt:  time.Now().UTC().Truncate(time.Millisecond),
		Message: msg,
	}
}

type wireEnvelope struct {
	ID      uuid.UUID       `json:"id"`
	SentAt  time.Time       `json:"sent_at"`
	Message json.RawMessage `json:"message"`
}

type wireHead struct {
	Type MessageType `json:"type"`
}

// MarshalJSON renders the internally tagged message union.
func (e Envelope) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the payload object.
	tagged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &tagged); err != nil {
		return nil, fmt.Errorf("message payload must be an object: %w", err)
	}
	typeTag, _ := json.Marshal(e.Message.Type())
	tagged["type"] = typeTag
	body, err = json.Marshal(tagged)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: e.ID, SentAt: e.SentAt, Message: body})
}

// UnmarshalJSON decodes the union by its type discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var head wireHead
	if err := json.Unmarshal(wire.Message, &head); err != nil {
		return fmt.Errorf("message has no type tag: %w", err)
	}

	msg, err := decodeMessage(head.Type, wire.Message)
	if err != nil {
		return err
	}
	e.ID = wire.ID
	e.SentAt = wire.SentAt.UTC()
	e.Message = msg
	return nil
}

func decode[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeMessage(t MessageType, data []byte) (Message, error) {
	switch t {
	case TypeExecuteTask:
		return decode[ExecuteTask](data)
	case TypeValidateTask:
		return decode[ValidateTask](data)
	case TypePing:
		return decode[Ping](data)
	case TypeShutdown:
		return decode[Shutdown](data)
	case TypeReady:
		return decode[Ready](data)
	case TypeTaskResult:
		return decode[TaskResult](data)
	case TypeValidationResult:
		return decode[ValidationResult](data)
	case TypePong:
		return decode[Pong](data)
	case TypeError:
		return decode[WireError](data)
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}
