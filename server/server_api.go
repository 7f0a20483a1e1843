package server

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"ocproxy/internal"
	"ocproxy/internal/config"
	"ocproxy/models"
	"ocproxy/proxy"

	"github.com/julienschmidt/httprouter"
)

// Controller is the slice of the proxy the control surface drives.
type Controller interface {
	Inject(chargePointId, action string, payload json.RawMessage) (string, error)
	SetPersistentLimit(chargePointId string, amperes *float64) (string, error)
	ApplySessionLimit(chargePointId string, amperes float64, transactionId *int) (string, error)
	GetSettings() *models.ProxySettings
	UpdateSettings(settings *models.ProxySettings) error
	Chargers() ([]models.ChargePoint, error)
	ReadLog(chargePointId string, limit int64) ([]models.MessageLogRecord, error)
}

type Api struct {
	conf       *config.Config
	httpServer *http.Server
	controller Controller
	logger     internal.LogHandler
}

type injectCommand struct {
	ChargePointId string          `json:"charge_point_id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
}

type limitCommand struct {
	ChargePointId string   `json:"charge_point_id"`
	Amperes       *float64 `json:"amperes"`
	Clear         bool     `json:"clear"`
}

type sessionLimitCommand struct {
	ChargePointId string   `json:"charge_point_id"`
	Amperes       *float64 `json:"amperes"`
	TransactionId *int     `json:"transaction_id"`
}

func NewServerApi(conf *config.Config, logger internal.LogHandler) *Api {
	server := Api{
		conf:   conf,
		logger: logger,
	}
	router := httprouter.New()
	router.POST("/api/inject", server.handleInject)
	router.POST("/api/limit", server.handleLimit)
	router.POST("/api/session-limit", server.handleSessionLimit)
	router.GET("/api/config", server.handleGetConfig)
	router.POST("/api/config", server.handleSetConfig)
	router.GET("/api/chargers", server.handleChargers)
	router.GET("/api/log", server.handleLog)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return &server
}

func (s *Api) SetController(controller Controller) {
	s.controller = controller
}

func (s *Api) Start() error {
	var err error
	if s.conf.Api.TLS {
		cert, err := tls.LoadX509KeyPair(s.conf.Api.CertFile, s.conf.Api.KeyFile)
		if err != nil {
			return fmt.Errorf("api: failed to load certificate: %v", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		err = s.httpServer.ListenAndServeTLS("", "")
		return err
	}
	err = s.httpServer.ListenAndServe()
	return err
}

func (s *Api) handleInject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cmd injectCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.ChargePointId == "" || cmd.Action == "" {
		s.badRequest(w, "charge_point_id and action are required")
		return
	}
	messageId, err := s.controller.Inject(cmd.ChargePointId, cmd.Action, cmd.Payload)
	if err != nil {
		s.writeError(w, cmd.ChargePointId, err)
		return
	}
	s.writeJson(w, map[string]string{"message_id": messageId})
}

func (s *Api) handleLimit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cmd limitCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.ChargePointId == "" {
		s.badRequest(w, "charge_point_id is required")
		return
	}
	if !cmd.Clear && cmd.Amperes == nil {
		s.badRequest(w, "either amperes or clear is required")
		return
	}
	amperes := cmd.Amperes
	if cmd.Clear {
		amperes = nil
	}
	messageId, err := s.controller.SetPersistentLimit(cmd.ChargePointId, amperes)
	if err != nil {
		s.writeError(w, cmd.ChargePointId, err)
		return
	}
	s.writeJson(w, map[string]string{"message_id": messageId})
}

func (s *Api) handleSessionLimit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cmd sessionLimitCommand
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.ChargePointId == "" || cmd.Amperes == nil {
		s.badRequest(w, "charge_point_id and amperes are required")
		return
	}
	messageId, err := s.controller.ApplySessionLimit(cmd.ChargePointId, *cmd.Amperes, cmd.TransactionId)
	if err != nil {
		s.writeError(w, cmd.ChargePointId, err)
		return
	}
	s.writeJson(w, map[string]string{"message_id": messageId})
}

func (s *Api) handleGetConfig(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJson(w, s.controller.GetSettings())
}

func (s *Api) handleSetConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var settings models.ProxySettings
	if !s.decodeBody(w, r, &settings) {
		return
	}
	if settings.CsmsForwardingEnabled {
		parsed, err := url.Parse(settings.TargetCsmsUrl)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			s.badRequest(w, "target_csms_url must be a ws:// or wss:// url")
			return
		}
	}
	if err := s.controller.UpdateSettings(&settings); err != nil {
		s.writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) handleChargers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	chargers, err := s.controller.Chargers()
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	if chargers == nil {
		chargers = []models.ChargePoint{}
	}
	s.writeJson(w, chargers)
}

func (s *Api) handleLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	chargePointId := r.URL.Query().Get("charge_point_id")
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	records, err := s.controller.ReadLog(chargePointId, limit)
	if err != nil {
		s.writeError(w, chargePointId, err)
		return
	}
	if records == nil {
		records = []models.MessageLogRecord{}
	}
	s.writeJson(w, records)
}

func (s *Api) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid request body: %s", err))
		return false
	}
	return true
}

func (s *Api) badRequest(w http.ResponseWriter, message string) {
	s.logger.Warn("api: " + message)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Api) writeError(w http.ResponseWriter, chargePointId string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, proxy.ErrChargerNotConnected) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn(fmt.Sprintf("api: command for %q failed: %s", chargePointId, err))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Api) writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api: encoding response", err)
	}
}
