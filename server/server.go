package server

import (
	"fmt"
	"net"
	"net/http"

	"ocproxy/internal"
	"ocproxy/internal/config"
	"ocproxy/proxy"
	"ocproxy/utility"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	wsEndpoint = "/ocpp/:id"
)

// SessionHandler is implemented by the proxy composition root. Connected
// may reject the socket by returning an error.
type SessionHandler interface {
	Connected(ws *WebSocket) (*proxy.Session, error)
	Message(session *proxy.Session, data []byte) error
	Disconnected(session *proxy.Session)
}

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	upgrader   websocket.Upgrader
	handler    SessionHandler
	logger     internal.LogHandler
}

// WebSocket wraps one accepted charger connection together with the
// handshake metadata replayed on upstream connects.
type WebSocket struct {
	conn    *websocket.Conn
	id      string
	meta    proxy.HandshakeMeta
	session *proxy.Session
}

func (ws *WebSocket) ID() string {
	return ws.id
}

func (ws *WebSocket) Conn() *websocket.Conn {
	return ws.conn
}

func (ws *WebSocket) Meta() proxy.HandshakeMeta {
	return ws.meta
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{Subprotocols: []string{}},
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	if utility.Contains(s.upgrader.Subprotocols, proto) {
		return
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetSessionHandler(handler SessionHandler) {
	s.handler = handler
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s for %s", r.RemoteAddr, id))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	// the charger's requested subprotocol is echoed back and replayed on
	// the upstream connect without validating what the CSMS accepts
	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if len(s.upgrader.Subprotocols) == 0 {
			requestedProto = proto
			break
		}
		if utility.Contains(s.upgrader.Subprotocols, proto) {
			requestedProto = proto
			break
		}
	}
	responseHeader := http.Header{}
	if requestedProto != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", requestedProto)
	}

	meta := proxy.HandshakeMeta{
		Authorization: r.Header.Get("Authorization"),
		Subprotocol:   requestedProto,
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("upgrade failed: ", err)
		return
	}

	ws := WebSocket{
		conn: conn,
		id:   id,
		meta: meta,
	}
	session, err := s.handler.Connected(&ws)
	if err != nil {
		s.logger.Error(fmt.Sprintf("rejecting connection for %s", id), err)
		_ = conn.Close()
		return
	}
	ws.session = session

	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))
	go s.messageReader(&ws)
}

func (s *Server) messageReader(ws *WebSocket) {
	conn := ws.conn
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", ws.id))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", ws.id, err))
			}
			_ = conn.Close()
			s.handler.Disconnected(ws.session)
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if err = s.handler.Message(ws.session, message); err != nil {
			s.logger.Error(fmt.Sprintf("handling message from %s", ws.id), err)
			continue
		}
	}
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.logger.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.logger.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	return err
}
