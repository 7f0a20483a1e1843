package proxy

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"ocproxy/internal"
	"ocproxy/metrics/counters"
	"ocproxy/models"
	"ocproxy/ocpp"

	"github.com/gorilla/websocket"
)

// connectUpstream dials the CSMS once, replaying the charger's
// Authorization header and subprotocol. Failure feeds the bounded retry
// policy; success flushes the egress buffer before any new frame.
func (s *Session) connectUpstream() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.state = UpstreamConnecting
	retry := s.attempt > 0
	s.mux.Unlock()

	settings := s.settings.Load()
	url := UpstreamUrl(settings.TargetCsmsUrl, s.id)
	if retry {
		counters.CountReconnectAttempt(s.id)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.opts.DialTimeout,
		// self-signed CSMS endpoints are permitted; operators who need
		// verification terminate TLS at a reverse proxy
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if s.meta.Subprotocol != "" {
		dialer.Subprotocols = []string{s.meta.Subprotocol}
	}
	header := http.Header{}
	if s.meta.Authorization != "" {
		header.Set("Authorization", s.meta.Authorization)
	}

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("upstream connect for %s failed: %s", s.id, err))
		s.scheduleRetry()
		return
	}

	// the write mutex is taken before the state flips to Open so frames
	// arriving mid-flush queue up behind the buffered ones
	s.upstreamWrite.Lock()
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		s.upstreamWrite.Unlock()
		_ = conn.Close()
		return
	}
	s.upstream = conn
	s.state = UpstreamOpen
	s.attempt = 0
	s.mux.Unlock()
	counters.ObserveUpstreamConnections(1)
	flushed := s.flushEgress(conn)
	s.upstreamWrite.Unlock()
	if !flushed {
		return
	}

	s.logger.FeatureEvent("Upstream", s.id, fmt.Sprintf("connected to %s", url))
	if retry {
		s.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnUpstreamRestored(e) },
			&internal.EventMessage{Info: "upstream connection restored"})
	}
	go s.upstreamReader(conn)
}

// flushEgress drains the buffer in FIFO order. Caller holds the
// upstream write mutex. Returns false when the connection died mid-flush.
func (s *Session) flushEgress(conn *websocket.Conn) bool {
	for {
		s.mux.Lock()
		if s.closed || s.upstream != conn || len(s.egress) == 0 {
			s.mux.Unlock()
			return true
		}
		batch := s.egress
		s.egress = nil
		s.mux.Unlock()

		for i, data := range batch {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.mux.Lock()
				s.egress = append(batch[i:], s.egress...)
				s.mux.Unlock()
				s.logger.Warn(fmt.Sprintf("upstream flush for %s failed: %s", s.id, err))
				s.upstreamClosed(conn)
				return false
			}
			counters.CountForwarded(string(models.DirectionUpstream))
		}
	}
}

// scheduleRetry arms the reconnect timer with exponential backoff, or
// gives up once the attempt budget is spent.
func (s *Session) scheduleRetry() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	if !s.settings.Load().CsmsForwardingEnabled {
		s.state = UpstreamAbsent
		s.mux.Unlock()
		return
	}
	if s.attempt >= s.opts.MaxReconnectAttempts {
		s.state = UpstreamGaveUp
		buffered := s.egress
		s.egress = nil
		s.mux.Unlock()
		s.logger.Warn(fmt.Sprintf("upstream for %s unreachable after %d attempts, serving standalone", s.id, s.opts.MaxReconnectAttempts))
		s.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnUpstreamLost(e) },
			&internal.EventMessage{Info: "upstream retries exhausted"})
		// frames buffered while retrying are handed to the standalone
		// responder so the charger is not left waiting on them
		for _, data := range buffered {
			if frame, err := ocpp.Decode(data); err == nil && frame.Type == ocpp.CallTypeRequest {
				s.respondStandalone(frame)
			}
		}
		return
	}
	s.attempt++
	delay := s.opts.ReconnectBackoff << (s.attempt - 1)
	s.state = UpstreamWaitRetry
	s.retryTimer = time.AfterFunc(delay, s.connectUpstream)
	s.mux.Unlock()
	s.logger.Debug(fmt.Sprintf("upstream retry %d for %s in %s", s.attempt, s.id, delay))
}

// upstreamClosed handles loss of the CSMS connection from any path:
// reader error, relay failure or flush failure. Stale notifications for
// an already-replaced connection are ignored.
func (s *Session) upstreamClosed(conn *websocket.Conn) {
	_ = conn.Close()
	s.mux.Lock()
	if s.closed || s.upstream != conn {
		s.mux.Unlock()
		return
	}
	s.upstream = nil
	wasOpen := s.state == UpstreamOpen
	s.state = UpstreamWaitRetry
	s.mux.Unlock()

	if wasOpen {
		counters.ObserveUpstreamConnections(-1)
		s.logger.FeatureEvent("Upstream", s.id, "connection lost")
		s.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnUpstreamLost(e) },
			&internal.EventMessage{Info: "upstream connection lost"})
	}
	s.scheduleRetry()
}

func (s *Session) upstreamReader(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.upstreamClosed(conn)
			return
		}
		s.handleUpstreamMessage(data)
	}
}

// handleUpstreamMessage relays a CSMS frame to the charger. The frame is
// decoded for logging only; undecodable bytes are still forwarded
// because the CSMS owns protocol semantics on its side.
func (s *Session) handleUpstreamMessage(data []byte) {
	payload := string(data)
	if frame, err := ocpp.Decode(data); err == nil {
		payload = frameJson(frame, data)
	} else {
		s.logger.Warn(fmt.Sprintf("undecodable frame from upstream for %s, forwarding as-is", s.id))
	}
	s.logRecord(models.DirectionDownstream, payload)

	if err := s.writeCharger(data); err != nil {
		s.logger.Warn(fmt.Sprintf("charger write for %s failed, frame dropped: %s", s.id, err))
		return
	}
	counters.CountForwarded(string(models.DirectionDownstream))
}
