package ocpp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	frame, err := Decode([]byte(`[2,"m1","Heartbeat",{}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeRequest, frame.Type)
	assert.Equal(t, "m1", frame.UniqueId)
	assert.Equal(t, "Heartbeat", frame.Action)
	assert.JSONEq(t, `{}`, string(frame.Payload))
	assert.False(t, frame.IsResponse())
}

func TestDecodeCallResult(t *testing.T) {
	frame, err := Decode([]byte(`[3,"m1",{"currentTime":"2025-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeResult, frame.Type)
	assert.Equal(t, "m1", frame.UniqueId)
	assert.JSONEq(t, `{"currentTime":"2025-01-01T00:00:00Z"}`, string(frame.Payload))
	assert.True(t, frame.IsResponse())
}

func TestDecodeCallError(t *testing.T) {
	frame, err := Decode([]byte(`[4,"m9","InternalError","something broke",{"detail":1}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeError, frame.Type)
	assert.Equal(t, "m9", frame.UniqueId)
	assert.Equal(t, "InternalError", frame.ErrorCode)
	assert.Equal(t, "something broke", frame.ErrorDescription)
	assert.JSONEq(t, `{"detail":1}`, string(frame.ErrorDetails))
	assert.True(t, frame.IsResponse())
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `garbage`},
		{"not an array", `{"a":1}`},
		{"too short", `[2,"m1"]`},
		{"unknown type id", `[7,"m1","Heartbeat",{}]`},
		{"call missing payload", `[2,"m1","Heartbeat"]`},
		{"result with extra element", `[3,"m1",{},{}]`},
		{"error too short", `[4,"m1","code"]`},
		{"numeric unique id", `[2,42,"Heartbeat",{}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		`[2,"m1","Heartbeat",{}]`,
		`[2,"m2","StatusNotification",{"connectorId":1,"status":"Preparing","errorCode":"NoError"}]`,
		`[3,"m3",{"idTagInfo":{"status":"Accepted"}}]`,
		`[4,"m4","NotSupported","unknown action",{}]`,
	}
	for _, wire := range cases {
		frame, err := Decode([]byte(wire))
		require.NoError(t, err)
		encoded, err := json.Marshal(frame)
		require.NoError(t, err)
		assert.JSONEq(t, wire, string(encoded))
	}
}

func TestNewCallDefaultsEmptyPayload(t *testing.T) {
	call, err := NewCall("m5", "Heartbeat", nil)
	require.NoError(t, err)
	data, err := json.Marshal(call)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"m5","Heartbeat",{}]`, string(data))
}

func TestNewCallResultPreservesRawPayload(t *testing.T) {
	result, err := NewCallResult("m6", json.RawMessage(`{"status":"Accepted"}`))
	require.NoError(t, err)
	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"m6",{"status":"Accepted"}]`, string(data))
}
