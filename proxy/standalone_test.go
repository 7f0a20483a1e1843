package proxy

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"ocproxy/models"
	"ocproxy/ocpp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResult(t *testing.T, data []byte) *ocpp.Frame {
	t.Helper()
	frame, err := ocpp.Decode(data)
	require.NoError(t, err)
	require.Equal(t, ocpp.CallTypeResult, frame.Type)
	return frame
}

func TestStandaloneBootNotification(t *testing.T) {
	session, chargerRx, logger := newTestSession(t, &Settings{}, nil, testOptions())

	require.NoError(t, session.HandleChargerMessage(
		[]byte(`[2,"m2","BootNotification",{"chargePointVendor":"V","chargePointModel":"M"}]`)))

	frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
	assert.Equal(t, "m2", frame.UniqueId)

	var payload ocpp.BootNotificationResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "Accepted", string(payload.Status))
	assert.Equal(t, 300, payload.Interval)
	require.NotNil(t, payload.CurrentTime)
	assert.WithinDuration(t, time.Now().UTC(), payload.CurrentTime.Time, 5*time.Second)

	require.Eventually(t, func() bool {
		return len(logger.byDirection(models.DirectionProxyResponse)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, logger.byDirection(models.DirectionUpstream), 1)
}

func TestStandaloneHeartbeatAndMeterValues(t *testing.T) {
	session, chargerRx, _ := newTestSession(t, &Settings{}, nil, testOptions())

	require.NoError(t, session.HandleChargerMessage([]byte(`[2,"h1","Heartbeat",{}]`)))
	frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
	assert.Contains(t, string(frame.Payload), "currentTime")

	require.NoError(t, session.HandleChargerMessage([]byte(`[2,"v1","MeterValues",{"connectorId":1,"meterValue":[]}]`)))
	frame = decodeResult(t, expectMessage(t, chargerRx, time.Second))
	assert.Equal(t, "v1", frame.UniqueId)
	assert.JSONEq(t, `{}`, string(frame.Payload))
}

func TestStandaloneUnknownActionDropped(t *testing.T) {
	session, chargerRx, logger := newTestSession(t, &Settings{}, nil, testOptions())

	require.NoError(t, session.HandleChargerMessage([]byte(`[2,"d1","DataTransfer",{"vendorId":"X"}]`)))
	expectNoMessage(t, chargerRx, 100*time.Millisecond)
	assert.Empty(t, logger.byDirection(models.DirectionProxyResponse))
	// the request itself is still on record
	assert.Len(t, logger.byDirection(models.DirectionUpstream), 1)
}

func TestStandaloneAuthorize(t *testing.T) {
	t.Run("auto charge accepts any tag", func(t *testing.T) {
		session, chargerRx, _ := newTestSession(t, &Settings{AutoChargeEnabled: true}, nil, testOptions())
		require.NoError(t, session.HandleChargerMessage([]byte(`[2,"a1","Authorize",{"idTag":"ANY"}]`)))
		frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
		assert.Contains(t, string(frame.Payload), "Accepted")
	})

	t.Run("pending tag accepted and consumed", func(t *testing.T) {
		session, chargerRx, _ := newTestSession(t, &Settings{}, nil, testOptions())
		_, err := session.Inject(ocpp.RemoteStartTransactionFeatureName, map[string]interface{}{
			"connectorId": 1,
			"idTag":       "T1",
		})
		require.NoError(t, err)
		expectMessage(t, chargerRx, time.Second)

		require.NoError(t, session.HandleChargerMessage([]byte(`[2,"a2","Authorize",{"idTag":"T1"}]`)))
		frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
		assert.Contains(t, string(frame.Payload), "Accepted")

		// the tag was consumed on match
		require.NoError(t, session.HandleChargerMessage([]byte(`[2,"a3","Authorize",{"idTag":"T1"}]`)))
		frame = decodeResult(t, expectMessage(t, chargerRx, time.Second))
		assert.Contains(t, string(frame.Payload), "Invalid")
	})

	t.Run("unknown tag rejected", func(t *testing.T) {
		session, chargerRx, _ := newTestSession(t, &Settings{}, nil, testOptions())
		require.NoError(t, session.HandleChargerMessage([]byte(`[2,"a4","Authorize",{"idTag":"NOPE"}]`)))
		frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
		assert.Contains(t, string(frame.Payload), "Invalid")
	})
}

func TestAutoStartOnPreparing(t *testing.T) {
	settings := &Settings{AutoChargeEnabled: true, DefaultIdTag: "ADMIN_TAG"}
	session, chargerRx, _ := newTestSession(t, settings, nil, testOptions())

	require.NoError(t, session.HandleChargerMessage(
		[]byte(`[2,"m3","StatusNotification",{"connectorId":1,"status":"Preparing","errorCode":"NoError"}]`)))

	// immediate empty ack
	ack := decodeResult(t, expectMessage(t, chargerRx, time.Second))
	assert.Equal(t, "m3", ack.UniqueId)
	assert.JSONEq(t, `{}`, string(ack.Payload))

	// shortly after, the injected remote start
	injected := expectMessage(t, chargerRx, time.Second)
	frame, err := ocpp.Decode(injected)
	require.NoError(t, err)
	assert.Equal(t, ocpp.CallTypeRequest, frame.Type)
	assert.Equal(t, ocpp.RemoteStartTransactionFeatureName, frame.Action)

	var payload ocpp.RemoteStartTransactionRequest
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	require.NotNil(t, payload.ConnectorId)
	assert.Equal(t, 1, *payload.ConnectorId)
	assert.Equal(t, "ADMIN_TAG", payload.IdTag)
	assert.True(t, session.PendingInjection(frame.UniqueId))

	// its response is swallowed like any injection
	require.NoError(t, session.HandleChargerMessage([]byte(fmt.Sprintf(`[3,%q,{"status":"Accepted"}]`, frame.UniqueId))))
	assert.False(t, session.PendingInjection(frame.UniqueId))
}

func TestNoAutoStartWhenDisabled(t *testing.T) {
	session, chargerRx, _ := newTestSession(t, &Settings{}, nil, testOptions())

	require.NoError(t, session.HandleChargerMessage(
		[]byte(`[2,"m3","StatusNotification",{"connectorId":1,"status":"Preparing","errorCode":"NoError"}]`)))
	decodeResult(t, expectMessage(t, chargerRx, time.Second))
	expectNoMessage(t, chargerRx, 150*time.Millisecond)
}

func TestStandaloneTransactionIds(t *testing.T) {
	session, chargerRx, _ := newTestSession(t, &Settings{AutoChargeEnabled: true}, nil, testOptions())

	startTransaction := func(messageId string) int {
		t.Helper()
		require.NoError(t, session.HandleChargerMessage([]byte(fmt.Sprintf(
			`[2,%q,"StartTransaction",{"connectorId":1,"idTag":"ANY","meterStart":0,"timestamp":"2025-01-01T00:00:00Z"}]`, messageId))))
		frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
		var payload ocpp.StartTransactionResponse
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		require.NotNil(t, payload.IdTagInfo)
		assert.Equal(t, "Accepted", string(payload.IdTagInfo.Status))
		return payload.TransactionId
	}

	first := startTransaction("s1")
	second := startTransaction("s2")
	assert.GreaterOrEqual(t, first, 100000)
	assert.Greater(t, second, first)

	require.NoError(t, session.HandleChargerMessage([]byte(fmt.Sprintf(
		`[2,"s3","StopTransaction",{"transactionId":%d,"meterStop":42,"timestamp":"2025-01-01T01:00:00Z"}]`, second))))
	frame := decodeResult(t, expectMessage(t, chargerRx, time.Second))
	assert.Contains(t, string(frame.Payload), "Accepted")
}
