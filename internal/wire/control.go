package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ControlAction names a query carried inside a ControlMessage.
type ControlAction string

const QueryConnectedPeers ControlAction = "query_connected_peers"

// ControlMessage is the top-level frame used for control queries and relay
// error feedback. Unlike SyncEnvelope it carries no ciphertext.
type ControlMessage struct {
	Type      EnvelopeType    `json:"type"`
	ID        uuid.UUID       `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ControlQueryPayload is the payload of a type=control, action=
// query_connected_peers message.
type ControlQueryPayload struct {
	Action ControlAction `json:"action"`
	IDs    []string      `json:"ids,omitempty"`
}

// ControlQueryResultPayload answers a query_connected_peers request.
type ControlQueryResultPayload struct {
	Action       ControlAction `json:"action"`
	ConnectedIDs []string      `json:"connected_device_ids"`
}

// ErrorPayload is the payload of a type=error relay feedback message.
type ErrorPayload struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	OriginalMessageID string   `json:"original_message_id,omitempty"`
	TargetDeviceID    string   `json:"target_device_id,omitempty"`
	ConnectedDevices  []string `json:"connected_devices,omitempty"`
}

// Permanent relay error codes drop the in-flight message outright rather
// than requeue with backoff.
const (
	ErrCodeDeviceNotConnected = "device_not_connected"
	ErrCodeIncorrectDeviceID  = "incorrect_device_id"
)

func IsPermanentErrorCode(code string) bool {
	return code == ErrCodeDeviceNotConnected || code == ErrCodeIncorrectDeviceID
}

func NewControlQuery(id uuid.UUID, ids []string) (ControlMessage, error) {
	payload, err := json.Marshal(ControlQueryPayload{Action: QueryConnectedPeers, IDs: ids})
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Type: TypeControl, ID: id, Timestamp: time.Now().UTC(), Payload: payload}, nil
}
