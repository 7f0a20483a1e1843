package proxy

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"ocproxy/internal"
	"ocproxy/metrics/counters"
	"ocproxy/models"
	"ocproxy/ocpp"
	"ocproxy/types"
)

// transactionIdBase is where standalone transaction numbering starts.
// The counter is process-wide and does not survive restarts.
const transactionIdBase = 100000

var transactionSeq atomic.Int64

func nextTransactionId() int {
	return transactionIdBase + int(transactionSeq.Add(1)) - 1
}

// respondStandalone answers a charger Request that cannot reach the
// CSMS. The action set is deliberately minimal and explicit; anything
// else is dropped silently and the charger retries on its own.
func (s *Session) respondStandalone(frame *ocpp.Frame) {
	settings := s.settings.Load()

	var payload interface{}
	switch frame.Action {
	case ocpp.BootNotificationFeatureName:
		payload = ocpp.NewBootNotificationResponse(types.Now(), ocpp.BootNotificationInterval, types.RegistrationStatusAccepted)
	case ocpp.HeartbeatFeatureName:
		payload = ocpp.NewHeartbeatResponse(types.Now())
	case ocpp.AuthorizeFeatureName:
		payload = s.authorizeStandalone(frame.Payload, settings)
	case ocpp.StatusNotificationFeatureName:
		payload = ocpp.NewStatusNotificationResponse()
		s.maybeAutoStart(frame.Payload, settings)
	case ocpp.MeterValuesFeatureName:
		payload = ocpp.NewMeterValuesResponse()
	case ocpp.StartTransactionFeatureName:
		transactionId := nextTransactionId()
		payload = ocpp.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transactionId)
		s.logger.FeatureEvent(frame.Action, s.id, fmt.Sprintf("assigned transaction #%d", transactionId))
	case ocpp.StopTransactionFeatureName:
		payload = ocpp.NewStopTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted))
	default:
		s.logger.Debug(fmt.Sprintf("no standalone response for %s from %s, dropped", frame.Action, s.id))
		return
	}

	result, err := ocpp.NewCallResult(frame.UniqueId, payload)
	if err != nil {
		s.logger.Error(fmt.Sprintf("encoding standalone %s response", frame.Action), err)
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error(fmt.Sprintf("encoding standalone %s response", frame.Action), err)
		return
	}
	if err := s.writeCharger(data); err != nil {
		return
	}
	s.logRecord(models.DirectionProxyResponse, string(data))
	counters.CountProxyResponse(frame.Action)
}

// authorizeStandalone accepts a tag when auto-charging is on or when the
// tag belongs to a pending RemoteStartTransaction. A matched tag is
// always consumed, even under auto-charge; keeping both books is
// intentional for observability.
func (s *Session) authorizeStandalone(payload json.RawMessage, settings *Settings) *ocpp.AuthorizeResponse {
	var request ocpp.AuthorizeRequest
	_ = json.Unmarshal(payload, &request)

	matched := false
	if request.IdTag != "" {
		s.mux.Lock()
		if _, ok := s.pendingAuthTags[request.IdTag]; ok {
			delete(s.pendingAuthTags, request.IdTag)
			matched = true
		}
		s.mux.Unlock()
	}

	status := types.AuthorizationStatusInvalid
	if settings.AutoChargeEnabled || matched {
		status = types.AuthorizationStatusAccepted
	}
	s.logger.FeatureEvent(ocpp.AuthorizeFeatureName, s.id, fmt.Sprintf("id tag: %s; authorization status: %s", request.IdTag, status))
	return ocpp.NewAuthorizeResponse(types.NewIdTagInfo(status))
}

// maybeAutoStart schedules a RemoteStartTransaction injection shortly
// after a connector reports Preparing, when auto-charging is enabled.
func (s *Session) maybeAutoStart(payload json.RawMessage, settings *Settings) {
	if !settings.AutoChargeEnabled {
		return
	}
	var request ocpp.StatusNotificationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return
	}
	if request.Status != ocpp.ChargePointStatusPreparing {
		return
	}
	connectorId := 1
	if request.ConnectorId != nil {
		connectorId = *request.ConnectorId
	}
	idTag := settings.DefaultIdTag

	delay := s.opts.AutoStartDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	time.AfterFunc(delay, func() {
		messageId, err := s.Inject(ocpp.RemoteStartTransactionFeatureName, ocpp.NewRemoteStartTransactionRequest(connectorId, idTag))
		if err != nil {
			s.logger.Warn(fmt.Sprintf("auto-start for %s connector %d failed: %s", s.id, connectorId, err))
			return
		}
		s.logger.FeatureEvent(ocpp.RemoteStartTransactionFeatureName, s.id, fmt.Sprintf("auto-start on connector %d, message %s", connectorId, messageId))
		s.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnAutoStart(e) },
			&internal.EventMessage{ConnectorId: connectorId, IdTag: idTag, Info: "auto-start on Preparing"})
	})
}
