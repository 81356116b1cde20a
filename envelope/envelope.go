// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind identifies which of the four envelope shapes a message has.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindResponse
	KindEvent
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindControl:
		return "control"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ControlType names a relay control message.
type ControlType string

const (
	// ControlConnectionInfo is the upstream's mandatory first message.
	ControlConnectionInfo ControlType = "connection_info"

	// ControlConnectionAck is the hub's reply to connection_info.
	ControlConnectionAck ControlType = "connection_ack"

	// ControlSessionAttached announces a child session.
	ControlSessionAttached ControlType = "session_attached"

	// ControlSessionDetached announces that a child session ended.
	ControlSessionDetached ControlType = "session_detached"
)

// Control is the payload of a control envelope. Fields are used
// according to Type.
type Control struct {
	Type            ControlType     `json:"type"`
	SessionID       string          `json:"sessionId,omitempty"`
	ParentSessionID string          `json:"parentSessionId,omitempty"`
	TargetInfo      json.RawMessage `json:"targetInfo,omitempty"`
	AdapterVersion  string          `json:"adapterVersion,omitempty"`
	RelayVersion    string          `json:"relayVersion,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// Envelope is one decoded relay message.
type Envelope struct {
	Kind Kind

	// ID is set on commands and responses.
	ID int64

	// SessionID is empty for the root session.
	SessionID string

	// Method is set on commands and events.
	Method string

	// Params is set on commands and events; may be nil.
	Params json.RawMessage

	// Result and Error are mutually exclusive on responses.
	Result json.RawMessage
	Error  *Error

	// Control is set on control envelopes.
	Control *Control
}

// NewCommand builds a command envelope.
func NewCommand(id int64, sessionID, method string, params json.RawMessage) *Envelope {
	return &Envelope{Kind: KindCommand, ID: id, SessionID: sessionID, Method: method, Params: params}
}

// NewResult builds a successful response envelope.
func NewResult(id int64, sessionID string, result json.RawMessage) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, SessionID: sessionID, Result: result}
}

// NewErrorResponse builds a failed response envelope.
func NewErrorResponse(id int64, sessionID string, err *Error) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, SessionID: sessionID, Error: err}
}

// NewEvent builds an event envelope.
func NewEvent(sessionID, method string, params json.RawMessage) *Envelope {
	return &Envelope{Kind: KindEvent, SessionID: sessionID, Method: method, Params: params}
}

// NewControl builds a control envelope.
func NewControl(control Control) *Envelope {
	return &Envelope{Kind: KindControl, Control: &control}
}

// Err returns the response's error, or nil for a successful response.
// The returned error unwraps to a relay sentinel when the code is one
// of the relay's own.
func (e *Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return e.Error
}

// wireMessage is the flat JSON object for the non-control shapes.
type wireMessage struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

var emptyObject = json.RawMessage("{}")

// Encode serializes an envelope. It fails only on envelopes that do not
// satisfy their shape's required fields.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode nil envelope")
	}
	switch e.Kind {
	case KindCommand:
		if e.Method == "" {
			return nil, fmt.Errorf("encode command %d: empty method", e.ID)
		}
		id := e.ID
		return json.Marshal(wireMessage{ID: &id, SessionID: e.SessionID, Method: e.Method, Params: e.Params})
	case KindResponse:
		id := e.ID
		message := wireMessage{ID: &id, SessionID: e.SessionID}
		if e.Error != nil {
			if len(e.Result) > 0 {
				return nil, fmt.Errorf("encode response %d: both result and error set", e.ID)
			}
			message.Error = e.Error
		} else {
			message.Result = e.Result
			if len(message.Result) == 0 {
				message.Result = emptyObject
			}
		}
		return json.Marshal(message)
	case KindEvent:
		if e.Method == "" {
			return nil, errors.New("encode event: empty method")
		}
		return json.Marshal(wireMessage{SessionID: e.SessionID, Method: e.Method, Params: e.Params})
	case KindControl:
		if e.Control == nil || e.Control.Type == "" {
			return nil, errors.New("encode control: missing type")
		}
		return json.Marshal(e.Control)
	default:
		return nil, fmt.Errorf("encode: unknown envelope kind %d", e.Kind)
	}
}

// rawMessage accepts every field any shape may carry. Present-but-null
// members decode to the JSON literal null, which present() treats as
// absent.
type rawMessage struct {
	ID        json.RawMessage `json:"id"`
	SessionID *string         `json:"sessionId"`
	Method    *string         `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	Type      *string         `json:"type"`

	ParentSessionID string          `json:"parentSessionId"`
	TargetInfo      json.RawMessage `json:"targetInfo"`
	AdapterVersion  string          `json:"adapterVersion"`
	RelayVersion    string          `json:"relayVersion"`
	Reason          string          `json:"reason"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Decode parses one frame. On failure it returns a *DecodeError, never
// a partial envelope.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "not a JSON object"}
	}

	var raw rawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		decodeError := &DecodeError{Reason: err.Error()}
		decodeError.ID, decodeError.HasID = salvageID(trimmed)
		return nil, decodeError
	}

	if raw.Type != nil {
		return decodeControl(&raw)
	}

	var sessionID string
	if raw.SessionID != nil {
		sessionID = *raw.SessionID
	}
	var method string
	if raw.Method != nil {
		method = *raw.Method
	}

	if !present(raw.ID) {
		if raw.Method == nil {
			return nil, &DecodeError{Reason: "message has neither id nor method"}
		}
		if method == "" {
			return nil, &DecodeError{Reason: "event has empty method"}
		}
		return &Envelope{Kind: KindEvent, SessionID: sessionID, Method: method, Params: nullToNil(raw.Params)}, nil
	}

	id, err := parseID(raw.ID)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	if raw.Method != nil {
		if method == "" {
			return nil, &DecodeError{Reason: "command has empty method", ID: id, HasID: true}
		}
		return &Envelope{Kind: KindCommand, ID: id, SessionID: sessionID, Method: method, Params: nullToNil(raw.Params)}, nil
	}

	hasResult := present(raw.Result)
	hasError := present(raw.Error)
	switch {
	case hasResult && hasError:
		return nil, &DecodeError{Reason: "response has both result and error", ID: id, HasID: true}
	case hasError:
		var wireError Error
		if err := json.Unmarshal(raw.Error, &wireError); err != nil {
			return nil, &DecodeError{Reason: "response error: " + err.Error(), ID: id, HasID: true}
		}
		return &Envelope{Kind: KindResponse, ID: id, SessionID: sessionID, Error: &wireError}, nil
	case hasResult:
		return &Envelope{Kind: KindResponse, ID: id, SessionID: sessionID, Result: raw.Result}, nil
	default:
		return nil, &DecodeError{Reason: "message with id has no method, result or error", ID: id, HasID: true}
	}
}

func decodeControl(raw *rawMessage) (*Envelope, error) {
	control := &Control{
		Type:            ControlType(*raw.Type),
		ParentSessionID: raw.ParentSessionID,
		TargetInfo:      nullToNil(raw.TargetInfo),
		AdapterVersion:  raw.AdapterVersion,
		RelayVersion:    raw.RelayVersion,
		Reason:          raw.Reason,
	}
	if raw.SessionID != nil {
		control.SessionID = *raw.SessionID
	}

	switch control.Type {
	case ControlConnectionInfo, ControlSessionAttached, ControlSessionDetached:
		if control.SessionID == "" {
			return nil, &DecodeError{Reason: string(control.Type) + " requires sessionId"}
		}
	case ControlConnectionAck:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown control type %q", control.Type)}
	}
	return &Envelope{Kind: KindControl, Control: control}, nil
}

func parseID(raw json.RawMessage) (int64, error) {
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %s is not an integer", raw)
	}
	return id, nil
}

// salvageID recovers an integer id from a frame whose other members
// failed to decode.
func salvageID(data []byte) (int64, bool) {
	var idOnly struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &idOnly); err != nil || !present(idOnly.ID) {
		return 0, false
	}
	id, err := parseID(idOnly.ID)
	if err != nil {
		return 0, false
	}
	return id, true
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if !present(raw) {
		return nil
	}
	return raw
}
