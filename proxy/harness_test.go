package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ocproxy/internal"
	"ocproxy/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testLogger records message-log events and swallows everything else.
type testLogger struct {
	mu      sync.Mutex
	records []*models.MessageLogRecord
}

func (l *testLogger) FeatureEvent(feature, id, text string) {}
func (l *testLogger) Debug(text string)                     {}
func (l *testLogger) Warn(text string)                      {}
func (l *testLogger) Error(text string, err error)          {}
func (l *testLogger) RawDataEvent(direction, data string)   {}

func (l *testLogger) MessageEvent(record *models.MessageLogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
}

func (l *testLogger) byDirection(direction models.LogDirection) []*models.MessageLogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []*models.MessageLogRecord
	for _, record := range l.records {
		if record.Direction == direction {
			result = append(result, record)
		}
	}
	return result
}

// testDatabase is an in-memory Database.
type testDatabase struct {
	mu           sync.Mutex
	chargePoints map[string]models.ChargePoint
	settings     *models.ProxySettings
	records      []*models.MessageLogRecord
	failMaxPower bool
}

func newTestDatabase() *testDatabase {
	return &testDatabase{chargePoints: make(map[string]models.ChargePoint)}
}

func (d *testDatabase) WriteLogMessage(data internal.Data) error { return nil }

func (d *testDatabase) WriteMessageRecord(record *models.MessageLogRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record)
	return nil
}

func (d *testDatabase) ReadMessageLog(chargePointId string, limit int64) ([]models.MessageLogRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []models.MessageLogRecord
	for _, record := range d.records {
		if chargePointId == "" || record.ChargePointId == chargePointId {
			result = append(result, *record)
		}
	}
	return result, nil
}

func (d *testDatabase) GetSettings() (*models.ProxySettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings, nil
}

func (d *testDatabase) SaveSettings(settings *models.ProxySettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := *settings
	d.settings = &stored
	return nil
}

func (d *testDatabase) GetChargePoint(id string) (*models.ChargePoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chargePoint, ok := d.chargePoints[id]
	if !ok {
		return nil, nil
	}
	return &chargePoint, nil
}

func (d *testDatabase) GetChargePoints() ([]models.ChargePoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []models.ChargePoint
	for _, chargePoint := range d.chargePoints {
		result = append(result, chargePoint)
	}
	return result, nil
}

func (d *testDatabase) UpdateChargePoint(chargePoint *models.ChargePoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chargePoints[chargePoint.Id] = *chargePoint
	return nil
}

func (d *testDatabase) SetMaxPower(chargePointId string, maxPower *float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failMaxPower {
		return errors.New("max power write failed")
	}
	chargePoint := d.chargePoints[chargePointId]
	chargePoint.Id = chargePointId
	chargePoint.MaxPower = maxPower
	d.chargePoints[chargePointId] = chargePoint
	return nil
}

func (d *testDatabase) GetUser(username string) (*models.User, error) { return nil, nil }

func (d *testDatabase) GetSubscriptions() ([]models.UserSubscription, error) { return nil, nil }

func (d *testDatabase) AddSubscription(subscription *models.UserSubscription) error { return nil }

func (d *testDatabase) DeleteSubscription(subscription *models.UserSubscription) error { return nil }

// wsPair builds a connected websocket pair: the server side is handed to
// the session as its charger socket, the client side plays the charger.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for websocket pair")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

// collect pumps every message from a websocket into a channel so tests
// can assert on arrival or absence without poisoning the connection.
func collect(conn *websocket.Conn) chan []byte {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			out <- data
		}
	}()
	return out
}

func expectMessage(t *testing.T, ch chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "connection closed while waiting for message")
		return data
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func expectNoMessage(t *testing.T, ch chan []byte, wait time.Duration) {
	t.Helper()
	select {
	case data, ok := <-ch:
		if ok {
			t.Fatalf("unexpected message: %s", data)
		}
	case <-time.After(wait):
	}
}

// fakeCsms is an upstream endpoint that records whatever the proxy
// relays. Connections can be refused to drive the retry policy.
type fakeCsms struct {
	server   *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn
	refuse   atomic.Bool
	auth     atomic.Value
	proto    atomic.Value
}

func newFakeCsms(t *testing.T) *fakeCsms {
	t.Helper()
	csms := &fakeCsms{
		received: make(chan []byte, 64),
		conns:    make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{"ocpp1.6"}}
	csms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csms.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		csms.auth.Store(r.Header.Get("Authorization"))
		csms.proto.Store(r.Header.Get("Sec-WebSocket-Protocol"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		csms.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			csms.received <- data
		}
	}))
	t.Cleanup(csms.server.Close)
	return csms
}

func (c *fakeCsms) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func (c *fakeCsms) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-c.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for upstream connection")
		return nil
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReconnectBackoff = 20 * time.Millisecond
	opts.DialTimeout = 2 * time.Second
	opts.SweepInterval = 10 * time.Millisecond
	opts.LimitReplayDelay = 20 * time.Millisecond
	opts.AutoStartDelay = 20 * time.Millisecond
	return opts
}

// newTestSession wires a session to a live charger socket pair and
// returns the charger-side message channel.
func newTestSession(t *testing.T, settings *Settings, database internal.Database, opts Options) (*Session, chan []byte, *testLogger) {
	t.Helper()
	serverConn, clientConn := wsPair(t)
	logger := &testLogger{}
	session := NewSession("CP1", serverConn, HandshakeMeta{Subprotocol: "ocpp1.6"}, Deps{
		Database: database,
		Logger:   logger,
		Settings: NewSettingsStore(settings),
		Options:  opts,
	})
	t.Cleanup(session.Close)
	session.Start()
	return session, collect(clientConn), logger
}
