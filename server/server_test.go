package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ocproxy/internal/config"
	"ocproxy/models"
	"ocproxy/proxy"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (l *nopLogger) FeatureEvent(feature, id, text string)        {}
func (l *nopLogger) Debug(text string)                            {}
func (l *nopLogger) Warn(text string)                             {}
func (l *nopLogger) Error(text string, err error)                 {}
func (l *nopLogger) RawDataEvent(direction, data string)          {}
func (l *nopLogger) MessageEvent(record *models.MessageLogRecord) {}

type fakeHandler struct {
	mu          sync.Mutex
	ids         []string
	metas       []proxy.HandshakeMeta
	messages    [][]byte
	disconnects int
}

func (h *fakeHandler) Connected(ws *WebSocket) (*proxy.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, ws.ID())
	h.metas = append(h.metas, ws.Meta())
	return proxy.NewSession(ws.ID(), ws.Conn(), ws.Meta(), proxy.Deps{
		Logger:   &nopLogger{},
		Settings: proxy.NewSettingsStore(&proxy.Settings{}),
		Options:  proxy.DefaultOptions(),
	}), nil
}

func (h *fakeHandler) Message(session *proxy.Session, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, data)
	return nil
}

func (h *fakeHandler) Disconnected(session *proxy.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func newTestAcceptor(t *testing.T) (*httptest.Server, *fakeHandler) {
	t.Helper()
	conf := &config.Config{}
	server := NewServer(conf, &nopLogger{})
	server.AddSupportedSubProtocol("ocpp1.6")
	handler := &fakeHandler{}
	server.SetSessionHandler(handler)
	srv := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv, handler
}

func TestAcceptorCapturesHandshakeMeta(t *testing.T) {
	srv, handler := newTestAcceptor(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/CP42"
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	header := http.Header{}
	header.Set("Authorization", "Basic Q1A0Mjpwdw==")
	conn, resp, err := dialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// negotiated subprotocol is echoed back to the charger
	assert.Equal(t, "ocpp1.6", resp.Header.Get("Sec-WebSocket-Protocol"))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.ids) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "CP42", handler.ids[0])
	assert.Equal(t, "Basic Q1A0Mjpwdw==", handler.metas[0].Authorization)
	assert.Equal(t, "ocpp1.6", handler.metas[0].Subprotocol)
}

func TestAcceptorDeliversMessages(t *testing.T) {
	srv, handler := newTestAcceptor(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/CP1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"m1","Heartbeat",{}]`)))
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.messages) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, `[2,"m1","Heartbeat",{}]`, string(handler.messages[0]))
	handler.mu.Unlock()

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.disconnects == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptorRejectsOtherPaths(t *testing.T) {
	srv, _ := newTestAcceptor(t)

	for _, path := range []string{"/", "/ws/CP1", "/ocpp", "/ocpp/CP1/extra"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}
