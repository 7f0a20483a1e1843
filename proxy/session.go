package proxy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ocproxy/internal"
	"ocproxy/metrics/counters"
	"ocproxy/models"
	"ocproxy/ocpp"
	"ocproxy/utility"

	"github.com/gorilla/websocket"
)

var ErrChargerNotConnected = utility.Err("charger is not connected")

// UpstreamState is the sub-state of the CSMS side of a session.
type UpstreamState int

const (
	// UpstreamAbsent no connection and none wanted (forwarding disabled)
	UpstreamAbsent UpstreamState = iota
	UpstreamConnecting
	UpstreamOpen
	// UpstreamWaitRetry connection lost, a reconnect timer is pending
	UpstreamWaitRetry
	// UpstreamGaveUp retry budget exhausted, standalone until session end
	UpstreamGaveUp
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamAbsent:
		return "absent"
	case UpstreamConnecting:
		return "connecting"
	case UpstreamOpen:
		return "open"
	case UpstreamWaitRetry:
		return "wait-retry"
	case UpstreamGaveUp:
		return "gave-up"
	}
	return "unknown"
}

// HandshakeMeta is the snapshot of the charger's upgrade request that is
// replayed verbatim on every upstream connect.
type HandshakeMeta struct {
	Authorization string
	Subprotocol   string
}

type Options struct {
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	DialTimeout          time.Duration
	EgressBufferSize     int
	PendingTTL           time.Duration
	SweepInterval        time.Duration
	LimitReplayDelay     time.Duration
	AutoStartDelay       time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     time.Second,
		DialTimeout:          10 * time.Second,
		EgressBufferSize:     1024,
		PendingTTL:           60 * time.Second,
		SweepInterval:        time.Second,
		LimitReplayDelay:     500 * time.Millisecond,
		AutoStartDelay:       100 * time.Millisecond,
	}
}

// Deps carries the collaborators a session needs. Database and Events
// may be nil.
type Deps struct {
	Database internal.Database
	Logger   internal.LogHandler
	Events   internal.EventHandler
	Settings *SettingsStore
	Options  Options
}

// Session mediates between one charger socket and an optional CSMS
// socket. All mutable state is guarded by mux; no blocking I/O happens
// while mux is held. Socket writes are serialized by per-socket write
// mutexes.
type Session struct {
	id       string
	meta     HandshakeMeta
	database internal.Database
	logger   internal.LogHandler
	events   internal.EventHandler
	settings *SettingsStore
	opts     Options

	charger      *websocket.Conn
	chargerWrite sync.Mutex

	mux               sync.Mutex
	upstream          *websocket.Conn
	upstreamWrite     sync.Mutex
	state             UpstreamState
	attempt           int
	retryTimer        *time.Timer
	limitTimer        *time.Timer
	egress            [][]byte
	pendingInjections map[string]time.Time
	pendingAuthTags   map[string]time.Time
	closed            bool
	firstFrameSeen    bool
	sweepDone         chan struct{}
}

func NewSession(chargePointId string, charger *websocket.Conn, meta HandshakeMeta, deps Deps) *Session {
	return &Session{
		id:                chargePointId,
		meta:              meta,
		database:          deps.Database,
		logger:            deps.Logger,
		events:            deps.Events,
		settings:          deps.Settings,
		opts:              deps.Options,
		charger:           charger,
		pendingInjections: make(map[string]time.Time),
		pendingAuthTags:   make(map[string]time.Time),
		sweepDone:         make(chan struct{}),
	}
}

func (s *Session) ChargePointId() string {
	return s.id
}

func (s *Session) Meta() HandshakeMeta {
	return s.meta
}

// State returns the current upstream sub-state.
func (s *Session) State() UpstreamState {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

// Start launches the session background work: the pending-entry sweeper,
// the persistent-limit replay and, when forwarding is enabled, the one
// initial upstream connect.
func (s *Session) Start() {
	go s.sweepPending()
	go s.scheduleStoredLimit()

	if s.settings.Load().CsmsForwardingEnabled {
		go s.connectUpstream()
	}
}

// Close tears the session down: cancels timers, closes both sockets.
// Idempotent; safe to call from any goroutine.
func (s *Session) Close() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	if s.limitTimer != nil {
		s.limitTimer.Stop()
	}
	upstream := s.upstream
	s.upstream = nil
	wasOpen := s.state == UpstreamOpen
	s.state = UpstreamAbsent
	close(s.sweepDone)
	s.mux.Unlock()

	if upstream != nil {
		_ = upstream.Close()
		if wasOpen {
			counters.ObserveUpstreamConnections(-1)
		}
	}
	_ = s.charger.Close()
}

// HandleChargerMessage applies the charger-to-CSMS forwarding rules to
// one raw frame. Errors never tear the session down; a frame that
// cannot be handled is dropped.
func (s *Session) HandleChargerMessage(data []byte) error {
	frame, err := ocpp.Decode(data)
	if err != nil {
		s.logger.Error(fmt.Sprintf("dropping malformed frame from %s", s.id), err)
		return nil
	}

	s.mux.Lock()
	if !s.firstFrameSeen {
		s.firstFrameSeen = true
		s.mux.Unlock()
		s.logger.Debug(fmt.Sprintf("first frame received from %s", s.id))
	} else {
		s.mux.Unlock()
	}

	// responses to injected commands are swallowed before anything else:
	// the CSMS must never see an answer to a request it did not send, and
	// the record carries the injection direction, not UPSTREAM
	if frame.IsResponse() {
		s.mux.Lock()
		_, pending := s.pendingInjections[frame.UniqueId]
		if pending {
			delete(s.pendingInjections, frame.UniqueId)
		}
		s.mux.Unlock()
		if pending {
			s.logRecord(models.DirectionInjectionResponse, frameJson(frame, data))
			s.logger.FeatureEvent("Injection", s.id, fmt.Sprintf("swallowed response to injected message %s", frame.UniqueId))
			return nil
		}
	}

	s.logRecord(models.DirectionUpstream, frameJson(frame, data))

	if frame.Type == ocpp.CallTypeRequest && frame.Action == ocpp.BootNotificationFeatureName {
		go s.observeBootNotification(frame.Payload)
	}

	s.mux.Lock()
	switch s.state {
	case UpstreamOpen:
		conn := s.upstream
		s.mux.Unlock()
		s.relayUpstream(conn, data)
		return nil
	case UpstreamConnecting, UpstreamWaitRetry:
		s.bufferLocked(data)
		s.mux.Unlock()
		return nil
	default:
		s.mux.Unlock()
	}

	// upstream absent or given up: the proxy answers for the CSMS
	if frame.Type == ocpp.CallTypeRequest {
		s.respondStandalone(frame)
	}
	return nil
}

func (s *Session) relayUpstream(conn *websocket.Conn, data []byte) {
	s.upstreamWrite.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	s.upstreamWrite.Unlock()
	if err != nil {
		s.logger.Warn(fmt.Sprintf("upstream write for %s failed: %s", s.id, err))
		s.upstreamClosed(conn)
		s.mux.Lock()
		s.bufferLocked(data)
		s.mux.Unlock()
		return
	}
	counters.CountForwarded(string(models.DirectionUpstream))
}

// bufferLocked appends a raw frame to the egress buffer. Caller holds
// mux. On overflow the oldest frame is dropped: liveness over memory.
func (s *Session) bufferLocked(data []byte) {
	limit := s.opts.EgressBufferSize
	if limit <= 0 {
		limit = 1024
	}
	if len(s.egress) >= limit {
		s.egress = s.egress[1:]
		counters.CountEgressDropped()
		s.logger.Warn(fmt.Sprintf("egress buffer full for %s, dropped oldest frame", s.id))
	}
	s.egress = append(s.egress, data)
}

// Inject sends an operator Call to the charger as if it came from the
// CSMS. The eventual response is intercepted and never forwarded.
func (s *Session) Inject(action string, payload interface{}) (string, error) {
	call, err := ocpp.NewCall(utility.NewMessageId(), action, payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", action, err)
	}
	data, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("encoding %s call: %w", action, err)
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return "", ErrChargerNotConnected
	}
	s.pendingInjections[call.UniqueId] = time.Now()
	if action == ocpp.RemoteStartTransactionFeatureName {
		if tag := remoteStartIdTag(call.Payload); tag != "" {
			s.pendingAuthTags[tag] = time.Now()
		}
	}
	s.mux.Unlock()

	if err := s.writeCharger(data); err != nil {
		s.mux.Lock()
		delete(s.pendingInjections, call.UniqueId)
		s.mux.Unlock()
		return "", ErrChargerNotConnected
	}
	s.logRecord(models.DirectionInjectionRequest, string(data))
	s.logger.FeatureEvent(action, s.id, fmt.Sprintf("injected message %s", call.UniqueId))
	counters.CountInjection(action)
	return call.UniqueId, nil
}

// PendingInjection reports whether the given message id still awaits a
// response from the charger.
func (s *Session) PendingInjection(uniqueId string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, ok := s.pendingInjections[uniqueId]
	return ok
}

func remoteStartIdTag(payload json.RawMessage) string {
	var request ocpp.RemoteStartTransactionRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return ""
	}
	return request.IdTag
}

func (s *Session) writeCharger(data []byte) error {
	s.chargerWrite.Lock()
	err := s.charger.WriteMessage(websocket.TextMessage, data)
	s.chargerWrite.Unlock()
	if err != nil {
		// a broken charger socket ends the session; closing it unblocks
		// the acceptor's reader which performs the teardown
		_ = s.charger.Close()
	}
	return err
}

// sweepPending purges pending injection ids and auth tags that have
// outlived their TTL. A concurrent removal by the matching-frame path is
// harmless.
func (s *Session) sweepPending() {
	interval := s.opts.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(-s.opts.PendingTTL)
			s.mux.Lock()
			for id, created := range s.pendingInjections {
				if created.Before(deadline) {
					delete(s.pendingInjections, id)
				}
			}
			for tag, created := range s.pendingAuthTags {
				if created.Before(deadline) {
					delete(s.pendingAuthTags, tag)
				}
			}
			s.mux.Unlock()
		}
	}
}

func (s *Session) observeBootNotification(payload json.RawMessage) {
	if s.database == nil {
		return
	}
	var request ocpp.BootNotificationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return
	}
	chargePoint, err := s.database.GetChargePoint(s.id)
	if err != nil {
		s.logger.Error("get charge point", err)
		return
	}
	if chargePoint == nil {
		chargePoint = &models.ChargePoint{Id: s.id, Status: models.ChargePointStatusOnline}
	}
	chargePoint.Vendor = request.ChargePointVendor
	chargePoint.Model = request.ChargePointModel
	chargePoint.SerialNumber = request.ChargePointSerialNumber
	chargePoint.FirmwareVersion = request.FirmwareVersion
	chargePoint.LastSeen = time.Now().UTC()
	if err := s.database.UpdateChargePoint(chargePoint); err != nil {
		s.logger.Error("update charge point", err)
	}
}

func (s *Session) logRecord(direction models.LogDirection, payload string) {
	s.logger.MessageEvent(&models.MessageLogRecord{
		ChargePointId: s.id,
		Direction:     direction,
		Payload:       payload,
		Timestamp:     time.Now().Unix(),
	})
}

func (s *Session) emitEvent(fire func(internal.EventHandler, *internal.EventMessage), event *internal.EventMessage) {
	if s.events == nil {
		return
	}
	event.ChargePointId = s.id
	event.Time = time.Now()
	fire(s.events, event)
}

// frameJson renders a decoded frame back to JSON for the message log,
// falling back to the raw text.
func frameJson(frame *ocpp.Frame, raw []byte) string {
	data, err := json.Marshal(frame)
	if err != nil {
		return string(raw)
	}
	return string(data)
}
