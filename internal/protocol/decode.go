package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inboundSchemaURL = "https://loqa.dev/schemas/sign-inbound.json"

const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "label": {"type": "string"},
    "sign": {"type": "string"},
    "confidence": {"type": "number"},
    "message": {"type": "string"},
    "status": {"type": "string"},
    "available_gestures": {"type": "array", "items": {"type": "string"}}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "prediction"}}},
      "then": {
        "required": ["confidence"],
        "anyOf": [{"required": ["label"]}, {"required": ["sign"]}]
      }
    },
    {
      "if": {"properties": {"type": {"const": "low_confidence"}}},
      "then": {"required": ["confidence"]}
    }
  ]
}`

var inboundSchema = jsonschema.MustCompileString(inboundSchemaURL, inboundSchemaJSON)

// DecodeInbound validates a backend message against the inbound schema and
// decodes it. Range checks on confidence are left to the stabilizer.
func DecodeInbound(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound message: %w", err)
	}
	if err := inboundSchema.Validate(raw); err != nil {
		return Inbound{}, fmt.Errorf("validate inbound message: %w", err)
	}

	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound message: %w", err)
	}
	label := wire.Label
	if label == "" {
		label = wire.Sign
	}
	return Inbound{
		Type:              wire.Type,
		Label:             label,
		Confidence:        wire.Confidence,
		Message:           wire.Message,
		Status:            wire.Status,
		AvailableGestures: wire.AvailableGestures,
	}, nil
}

// PeekType returns the message type without validation. It is used on the
// read path to consume keepalive replies cheaply.
func PeekType(data []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}

// EncodePing returns the keepalive payload.
func EncodePing() []byte {
	data, _ := json.Marshal(Ping{Type: TypePing})
	return data
}

// EncodeLandmarks wraps a landmark frame for the backend.
func EncodeLandmarks(frame LandmarkFrame, now time.Time) ([]byte, error) {
	kind := frame.Kind
	if kind == "" {
		kind = TypeLandmarks
	}
	ts := frame.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	data := frame.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(Landmarks{Type: kind, Data: data, Timestamp: ts})
}
