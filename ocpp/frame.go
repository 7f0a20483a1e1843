package ocpp

import (
	"encoding/json"
	"fmt"

	"ocproxy/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

var ErrMalformedFrame = utility.Err("malformed ocpp frame")

var emptyPayload = json.RawMessage("{}")

// Frame is a decoded OCPP-J message. The wire form is a JSON array:
// Call [2,id,action,payload], CallResult [3,id,payload],
// CallError [4,id,code,description,details]. Payloads are kept as raw
// JSON so a relayed frame re-encodes to the value the peer sent.
type Frame struct {
	Type             CallType
	UniqueId         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// IsResponse reports whether the frame answers an earlier Call.
func (f *Frame) IsResponse() bool {
	return f.Type == CallTypeResult || f.Type == CallTypeError
}

// Decode parses a raw text frame. Any outer shape violation, including
// an unknown leading integer, yields an error wrapping ErrMalformedFrame.
func Decode(data []byte) (*Frame, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: expected at least 3 elements, got %d", ErrMalformedFrame, len(fields))
	}
	var typeId int
	if err := json.Unmarshal(fields[0], &typeId); err != nil {
		return nil, fmt.Errorf("%w: invalid message type id", ErrMalformedFrame)
	}
	var uniqueId string
	if err := json.Unmarshal(fields[1], &uniqueId); err != nil {
		return nil, fmt.Errorf("%w: invalid message unique id", ErrMalformedFrame)
	}
	frame := Frame{
		Type:     CallType(typeId),
		UniqueId: uniqueId,
	}
	switch frame.Type {
	case CallTypeRequest:
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: call expects 4 elements, got %d", ErrMalformedFrame, len(fields))
		}
		if err := json.Unmarshal(fields[2], &frame.Action); err != nil {
			return nil, fmt.Errorf("%w: invalid action", ErrMalformedFrame)
		}
		frame.Payload = fields[3]
	case CallTypeResult:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: call result expects 3 elements, got %d", ErrMalformedFrame, len(fields))
		}
		frame.Payload = fields[2]
	case CallTypeError:
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: call error expects 5 elements, got %d", ErrMalformedFrame, len(fields))
		}
		if err := json.Unmarshal(fields[2], &frame.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: invalid error code", ErrMalformedFrame)
		}
		if err := json.Unmarshal(fields[3], &frame.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: invalid error description", ErrMalformedFrame)
		}
		frame.ErrorDetails = fields[4]
	default:
		return nil, fmt.Errorf("%w: unknown message type id %d", ErrMalformedFrame, typeId)
	}
	return &frame, nil
}

func (f *Frame) MarshalJSON() ([]byte, error) {
	var fields []interface{}
	switch f.Type {
	case CallTypeRequest:
		fields = []interface{}{int(f.Type), f.UniqueId, f.Action, rawOrEmpty(f.Payload)}
	case CallTypeResult:
		fields = []interface{}{int(f.Type), f.UniqueId, rawOrEmpty(f.Payload)}
	case CallTypeError:
		fields = []interface{}{int(f.Type), f.UniqueId, f.ErrorCode, f.ErrorDescription, rawOrEmpty(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("cannot encode message type id %d", f.Type)
	}
	return json.Marshal(fields)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyPayload
	}
	return raw
}

// NewCall builds a Call frame with the given payload value.
func NewCall(uniqueId, action string, payload interface{}) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:     CallTypeRequest,
		UniqueId: uniqueId,
		Action:   action,
		Payload:  raw,
	}, nil
}

// NewCallResult builds a CallResult answering the given unique id.
func NewCallResult(uniqueId string, payload interface{}) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:     CallTypeResult,
		UniqueId: uniqueId,
		Payload:  raw,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return emptyPayload, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return rawOrEmpty(raw), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
