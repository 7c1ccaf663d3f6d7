package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampFormat is a fixed-width ISO-8601 UTC layout, so timestamps sort lexically.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Meta carries the correlation metadata of an envelope.
type Meta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// Time parses the meta timestamp.
func (m Meta) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, m.Timestamp)
}

// Envelope is an immutable message wrapper. Payload holds the compact JSON of a record.
type Envelope struct {
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Clock returns the current time. Tests replace it for stable timestamps.
var Clock = time.Now

// Encode wraps payload in an envelope stamped with the current time.
// The payload must serialise to a JSON object.
func Encode(requestID string, payload any) (Envelope, error) {
	if requestID == "" {
		return Envelope{}, ErrMissingRequestID
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	raw, err = compactObject(raw)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Meta: Meta{
			Timestamp: Clock().UTC().Format(TimestampFormat),
			RequestID: requestID,
		},
		Payload: raw,
	}, nil
}

// Reply builds a response envelope that keeps the request id of req.
func Reply(req Envelope, payload any) (Envelope, error) {
	return Encode(req.Meta.RequestID, payload)
}

// Marshal serialises an envelope to its wire form.
func Marshal(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Envelope{}, &DecodeError{Field: "envelope", Reason: "not a JSON object", Err: err}
	}

	rawMeta, ok := top["meta"]
	if !ok {
		return Envelope{}, &DecodeError{Field: "meta", Reason: "missing"}
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta == nil {
		return Envelope{}, &DecodeError{Field: "meta", Reason: "not an object", Err: err}
	}

	ts, err := stringField(meta, "timestamp")
	if err != nil {
		return Envelope{}, err
	}
	if _, perr := time.Parse(TimestampFormat, ts); perr != nil {
		return Envelope{}, &DecodeError{Field: "meta.timestamp", Reason: "not in " + TimestampFormat + " format", Err: perr}
	}

	requestID, err := stringField(meta, "request_id")
	if err != nil {
		return Envelope{}, err
	}
	if requestID == "" {
		return Envelope{}, &DecodeError{Field: "meta.request_id", Reason: "must not be empty"}
	}

	rawPayload, ok := top["payload"]
	if !ok {
		return Envelope{}, &DecodeError{Field: "payload", Reason: "missing"}
	}
	payload, err := compactObject(rawPayload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Meta:    Meta{Timestamp: ts, RequestID: requestID},
		Payload: payload,
	}, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, &DecodeError{Field: "payload", Reason: fmt.Sprintf("cannot decode into %T", out), Err: err}
	}
	return out, nil
}

func stringField(obj map[string]json.RawMessage, name string) (string, error) {
	field := "meta." + name
	raw, ok := obj[name]
	if !ok {
		return "", &DecodeError{Field: field, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Field: field, Reason: "not a string", Err: err}
	}
	return s, nil
}

// compactObject checks that raw is a JSON object and strips insignificant whitespace.
func compactObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Field: "payload", Reason: "must be a JSON object"}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, &DecodeError{Field: "payload", Reason: "malformed", Err: err}
	}
	return json.RawMessage(buf.Bytes()), nil
}
