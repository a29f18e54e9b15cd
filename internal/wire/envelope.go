// Package wire implements the cross-platform JSON wire schema and the
// length-prefixed frame codec.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType is the outer envelope discriminator.
type EnvelopeType string

const (
	TypeClipboard EnvelopeType = "clipboard"
	TypeControl   EnvelopeType = "control"
	TypeError     EnvelopeType = "error"
)

const ProtocolVersion = "1.0"

// Encryption carries the AES-256-GCM parameters for an envelope's
// ciphertext. Empty Nonce+Tag signals plaintext mode.
type Encryption struct {
	Algorithm string `json:"algorithm"`
	Nonce     string `json:"nonce"`
	Tag       string `json:"tag"`
}

func (e Encryption) Plaintext() bool { return e.Nonce == "" && e.Tag == "" }

// EnvelopePayload is the per-envelope metadata plus ciphertext.
type EnvelopePayload struct {
	ContentType    string     `json:"content_type"`
	Ciphertext     string     `json:"ciphertext"`
	DeviceID       string     `json:"device_id"`
	DevicePlatform string     `json:"device_platform,omitempty"`
	DeviceName     string     `json:"device_name,omitempty"`
	Target         string     `json:"target,omitempty"`
	Encryption     Encryption `json:"encryption"`
}

// envelopePayloadAlias decodes legacy fields (origin_device_id, camelCase
// variants) without re-declaring every field: both origin_device_id and
// device_id decode, only device_id encodes.
type envelopePayloadAlias struct {
	ContentType      string     `json:"content_type"`
	ContentTypeCamel string     `json:"contentType"`
	Ciphertext       string     `json:"ciphertext"`
	DeviceID         string     `json:"device_id"`
	DeviceIDCamel    string     `json:"deviceId"`
	OriginDeviceID   string     `json:"origin_device_id"`
	DevicePlatform   string     `json:"device_platform"`
	DevicePlatform2  string     `json:"devicePlatform"`
	DeviceName       string     `json:"device_name"`
	DeviceName2      string     `json:"deviceName"`
	Target           string     `json:"target"`
	Encryption       Encryption `json:"encryption"`
}

func (p EnvelopePayload) MarshalJSON() ([]byte, error) {
	type out struct {
		ContentType    string     `json:"content_type"`
		Ciphertext     string     `json:"ciphertext"`
		DeviceID       string     `json:"device_id"`
		DevicePlatform string     `json:"device_platform,omitempty"`
		DeviceName     string     `json:"device_name,omitempty"`
		Target         string     `json:"target,omitempty"`
		Encryption     Encryption `json:"encryption"`
	}
	return json.Marshal(out{
		ContentType:    p.ContentType,
		Ciphertext:     normalizeBase64(p.Ciphertext),
		DeviceID:       p.DeviceID,
		DevicePlatform: p.DevicePlatform,
		DeviceName:     p.DeviceName,
		Target:         p.Target,
		Encryption:     p.Encryption,
	})
}

func (p *EnvelopePayload) UnmarshalJSON(b []byte) error {
	var a envelopePayloadAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.ContentType = firstNonEmpty(a.ContentType, a.ContentTypeCamel)
	p.Ciphertext = a.Ciphertext
	p.DeviceID = firstNonEmpty(a.DeviceID, a.DeviceIDCamel, a.OriginDeviceID)
	p.DevicePlatform = firstNonEmpty(a.DevicePlatform, a.DevicePlatform2)
	p.DeviceName = firstNonEmpty(a.DeviceName, a.DeviceName2)
	p.Target = a.Target
	p.Encryption = a.Encryption
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeBase64 re-pads a base64 string that may have arrived (or be
// about to be sent) without padding.
func normalizeBase64(s string) string {
	if s == "" {
		return s
	}
	if _, err := base64.StdEncoding.DecodeString(s); err == nil {
		return s
	}
	switch len(s) % 4 {
	case 2:
		return s + "=="
	case 3:
		return s + "="
	default:
		return s
	}
}

// DecodeBase64Tolerant decodes base64 that may be missing padding.
func DecodeBase64Tolerant(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(normalizeBase64(s))
}

// EncodeBase64 encodes b as standard, padded base64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// SyncEnvelope is the outer wire message.
type SyncEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Type      EnvelopeType    `json:"type"`
	Payload   EnvelopePayload `json:"payload"`
}

func NewClipboardEnvelope(payload EnvelopePayload) SyncEnvelope {
	return SyncEnvelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Version:   ProtocolVersion,
		Type:      TypeClipboard,
		Payload:   payload,
	}
}

// envelopeAlias tolerates camelCase on the wire while canonicalizing to
// snake_case on output.
type envelopeAlias struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	Version      string          `json:"version"`
	Type         EnvelopeType    `json:"type"`
	TypeCamel    EnvelopeType    `json:"Type"`
	Payload      EnvelopePayload `json:"payload"`
	PayloadCamel EnvelopePayload `json:"Payload"`
}

func (e SyncEnvelope) MarshalJSON() ([]byte, error) {
	type out struct {
		ID        uuid.UUID       `json:"id"`
		Timestamp string          `json:"timestamp"`
		Version   string          `json:"version"`
		Type      EnvelopeType    `json:"type"`
		Payload   EnvelopePayload `json:"payload"`
	}
	return json.Marshal(out{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Version:   e.Version,
		Type:      e.Type,
		Payload:   e.Payload,
	})
}

func (e *SyncEnvelope) UnmarshalJSON(b []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return &FrameError{Kind: FrameBadJSON, Cause: err}
	}
	ts, err := time.Parse(time.RFC3339Nano, a.Timestamp)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, a.Timestamp); err != nil {
			return &FrameError{Kind: FrameBadJSON, Cause: err}
		}
	}
	e.ID = id
	e.Timestamp = ts
	e.Version = a.Version
	if a.Type != "" {
		e.Type = a.Type
	} else {
		e.Type = a.TypeCamel
	}
	if a.Payload.DeviceID != "" || a.Payload.ContentType != "" {
		e.Payload = a.Payload
	} else {
		e.Payload = a.PayloadCamel
	}
	return nil
}

// ClipboardPayload is the inner, compressed-then-encrypted content. Peers
// have shipped both "data" and "data_base64" for the content field; both
// are accepted on decode, "data" is canonical on encode.
type ClipboardPayload struct {
	ContentType string            `json:"content_type"`
	Data        string            `json:"data"`
	Metadata    map[string]string `json:"metadata"`
	Compressed  bool              `json:"compressed"`
}

type clipboardPayloadAlias struct {
	ContentType string            `json:"content_type"`
	Data        string            `json:"data"`
	DataBase64  string            `json:"data_base64"`
	Metadata    map[string]string `json:"metadata"`
	Compressed  bool              `json:"compressed"`
}

func (p ClipboardPayload) MarshalJSON() ([]byte, error) {
	type out struct {
		ContentType string            `json:"content_type"`
		Data        string            `json:"data"`
		Metadata    map[string]string `json:"metadata"`
		Compressed  bool              `json:"compressed"`
	}
	return json.Marshal(out{p.ContentType, p.Data, p.Metadata, p.Compressed})
}

func (p *ClipboardPayload) UnmarshalJSON(b []byte) error {
	var a clipboardPayloadAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.ContentType = a.ContentType
	p.Data = firstNonEmpty(a.Data, a.DataBase64)
	p.Metadata = a.Metadata
	p.Compressed = a.Compressed
	return nil
}
