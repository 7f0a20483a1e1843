package server

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ocproxy/internal"
	"ocproxy/internal/config"
	"ocproxy/metrics"
	"ocproxy/models"
	"ocproxy/proxy"
	"ocproxy/pusher"
	"ocproxy/telegram"
	"ocproxy/types"
)

// Proxy is the composition root: it wires the acceptor, the session
// registry, persistence, logging and the control surface together, and
// implements the acceptor's SessionHandler and the api's Controller.
type Proxy struct {
	conf     *config.Config
	server   *Server
	api      *Api
	registry *proxy.Registry
	settings *proxy.SettingsStore
	database internal.Database
	logger   internal.LogHandler
	events   internal.EventHandler
	opts     proxy.Options
}

func NewProxy() (*Proxy, error) {
	conf, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration load failed: %s", err)
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}

	var database internal.Database
	if conf.Mongo.Enabled {
		mongo, err := internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		if mongo != nil {
			database = mongo
			log.Println("mongodb is configured and enabled")
		}
	} else {
		log.Println("database is disabled")
	}

	var messageService internal.MessageService
	if conf.Pusher.Enabled {
		messageService, err = pusher.NewPusher(conf)
		if err != nil {
			return nil, fmt.Errorf("pusher setup failed: %s", err)
		}
		if messageService != nil {
			log.Println("pusher service is configured and enabled")
		}
	} else {
		log.Println("message pushing service is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	logService.SetMessageService(messageService)

	p := &Proxy{
		conf:     conf,
		registry: proxy.NewRegistry(),
		database: database,
		logger:   logService,
		opts:     sessionOptions(conf),
	}

	p.settings = proxy.NewSettingsStore(loadSettings(conf, database, logService))

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		p.events = telegramBot
		log.Println("telegram bot is configured and enabled")
	}

	wsServer := NewServer(conf, logService)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.AddSupportedSubProtocol(types.SubProtocol201)
	wsServer.SetSessionHandler(p)
	p.server = wsServer

	apiServer := NewServerApi(conf, logService)
	apiServer.SetController(p)
	p.api = apiServer

	return p, nil
}

func sessionOptions(conf *config.Config) proxy.Options {
	opts := proxy.DefaultOptions()
	if conf.Proxy.MaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = conf.Proxy.MaxReconnectAttempts
	}
	if conf.Proxy.ReconnectBackoffMs > 0 {
		opts.ReconnectBackoff = time.Duration(conf.Proxy.ReconnectBackoffMs) * time.Millisecond
	}
	if conf.Proxy.DialTimeoutSec > 0 {
		opts.DialTimeout = time.Duration(conf.Proxy.DialTimeoutSec) * time.Second
	}
	if conf.Proxy.EgressBufferSize > 0 {
		opts.EgressBufferSize = conf.Proxy.EgressBufferSize
	}
	return opts
}

// loadSettings returns the stored settings row when one exists, taken
// as a whole; otherwise the static config defaults, which the first run
// persists.
func loadSettings(conf *config.Config, database internal.Database, logger internal.LogHandler) *proxy.Settings {
	settings := &proxy.Settings{
		TargetCsmsUrl:         conf.Proxy.TargetCsmsUrl,
		CsmsForwardingEnabled: conf.Proxy.CsmsForwardingEnabled,
		AutoChargeEnabled:     conf.Proxy.AutoChargeEnabled,
		DefaultIdTag:          conf.Proxy.DefaultIdTag,
	}
	if database == nil {
		return settings
	}
	stored, err := database.GetSettings()
	if err != nil {
		logger.Error("reading stored settings", err)
		return settings
	}
	if stored == nil {
		if err := database.SaveSettings(settingsToModel(settings)); err != nil {
			logger.Error("persisting default settings", err)
		}
		return settings
	}
	return settingsFromModel(stored)
}

func settingsToModel(settings *proxy.Settings) *models.ProxySettings {
	return &models.ProxySettings{
		TargetCsmsUrl:         settings.TargetCsmsUrl,
		CsmsForwardingEnabled: settings.CsmsForwardingEnabled,
		AutoChargeEnabled:     settings.AutoChargeEnabled,
		DefaultIdTag:          settings.DefaultIdTag,
	}
}

func settingsFromModel(stored *models.ProxySettings) *proxy.Settings {
	return &proxy.Settings{
		TargetCsmsUrl:         stored.TargetCsmsUrl,
		CsmsForwardingEnabled: stored.CsmsForwardingEnabled,
		AutoChargeEnabled:     stored.AutoChargeEnabled,
		DefaultIdTag:          stored.DefaultIdTag,
	}
}

func (p *Proxy) Start() {
	go func() {
		if err := p.server.Start(); err != nil {
			p.logger.Error("websocket server failed", err)
		}
	}()

	if p.conf.Api.Enabled {
		go func() {
			if err := p.api.Start(); err != nil {
				p.logger.Error("api server failed", err)
			}
		}()
	}

	go func() {
		if err := metrics.Listen(p.conf); err != nil {
			p.logger.Error("metrics server failed", err)
		}
	}()

	select {}
}

// Connected creates and registers a session for an upgraded charger
// socket. A second upgrade for the same id displaces the first: the old
// session is closed and the new one takes its place.
func (p *Proxy) Connected(ws *WebSocket) (*proxy.Session, error) {
	session := proxy.NewSession(ws.ID(), ws.Conn(), ws.Meta(), proxy.Deps{
		Database: p.database,
		Logger:   p.logger,
		Events:   p.events,
		Settings: p.settings,
		Options:  p.opts,
	})
	if err := p.registry.Add(session); err != nil {
		old, ok := p.registry.Get(ws.ID())
		if !ok {
			return nil, err
		}
		p.logger.Warn(fmt.Sprintf("charge point %s reconnected, displacing previous session", ws.ID()))
		p.registry.Remove(ws.ID())
		old.Close()
		if err := p.registry.Add(session); err != nil {
			return nil, err
		}
	}
	session.Start()
	p.logger.FeatureEvent("Connect", ws.ID(), "charge point connected")
	go p.markChargePoint(ws.ID(), models.ChargePointStatusOnline)
	p.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnChargerConnected(e) }, ws.ID(), "charge point connected")
	return session, nil
}

func (p *Proxy) Message(session *proxy.Session, data []byte) error {
	return session.HandleChargerMessage(data)
}

// Disconnected tears the session down and unregisters it. A displaced
// session is only closed; its successor keeps the registration.
func (p *Proxy) Disconnected(session *proxy.Session) {
	if session == nil {
		return
	}
	session.Close()
	if !p.registry.RemoveSession(session) {
		return
	}
	p.logger.FeatureEvent("Disconnect", session.ChargePointId(), "charge point disconnected")
	go p.markChargePoint(session.ChargePointId(), models.ChargePointStatusOffline)
	p.emitEvent(func(h internal.EventHandler, e *internal.EventMessage) { h.OnChargerDisconnected(e) }, session.ChargePointId(), "charge point disconnected")
}

func (p *Proxy) markChargePoint(chargePointId, status string) {
	if p.database == nil {
		return
	}
	chargePoint, err := p.database.GetChargePoint(chargePointId)
	if err != nil {
		p.logger.Error("get charge point", err)
		return
	}
	if chargePoint == nil {
		chargePoint = &models.ChargePoint{Id: chargePointId}
	}
	chargePoint.Status = status
	chargePoint.LastSeen = time.Now().UTC()
	if err := p.database.UpdateChargePoint(chargePoint); err != nil {
		p.logger.Error("update charge point", err)
	}
}

func (p *Proxy) emitEvent(fire func(internal.EventHandler, *internal.EventMessage), chargePointId, info string) {
	if p.events == nil {
		return
	}
	fire(p.events, &internal.EventMessage{
		ChargePointId: chargePointId,
		Time:          time.Now(),
		Info:          info,
	})
}

// Inject pushes an operator command into the charger's stream.
func (p *Proxy) Inject(chargePointId, action string, payload json.RawMessage) (string, error) {
	session, ok := p.registry.Get(chargePointId)
	if !ok {
		return "", proxy.ErrChargerNotConnected
	}
	return session.Inject(action, payload)
}

// SetPersistentLimit stores the durable cap and pushes it to the charger.
func (p *Proxy) SetPersistentLimit(chargePointId string, amperes *float64) (string, error) {
	session, ok := p.registry.Get(chargePointId)
	if !ok {
		return "", proxy.ErrChargerNotConnected
	}
	return session.SetPersistentLimit(amperes)
}

// ApplySessionLimit pushes a one-shot limit to the charger.
func (p *Proxy) ApplySessionLimit(chargePointId string, amperes float64, transactionId *int) (string, error) {
	session, ok := p.registry.Get(chargePointId)
	if !ok {
		return "", proxy.ErrChargerNotConnected
	}
	return session.ApplySessionLimit(amperes, transactionId)
}

func (p *Proxy) GetSettings() *models.ProxySettings {
	return settingsToModel(p.settings.Load())
}

// UpdateSettings persists new settings and swaps the live snapshot.
// Live sessions pick the change up at their next decision point.
func (p *Proxy) UpdateSettings(next *models.ProxySettings) error {
	if p.database != nil {
		if err := p.database.SaveSettings(next); err != nil {
			return fmt.Errorf("persisting settings: %w", err)
		}
	}
	p.settings.Swap(settingsFromModel(next))
	p.logger.FeatureEvent("Config", "", "proxy settings updated")
	return nil
}

// Chargers lists known charge points. Without a database only the live
// sessions are reported.
func (p *Proxy) Chargers() ([]models.ChargePoint, error) {
	if p.database == nil {
		sessions := p.registry.All()
		chargers := make([]models.ChargePoint, 0, len(sessions))
		for _, session := range sessions {
			chargers = append(chargers, models.ChargePoint{
				Id:     session.ChargePointId(),
				Status: models.ChargePointStatusOnline,
			})
		}
		return chargers, nil
	}
	return p.database.GetChargePoints()
}

func (p *Proxy) ReadLog(chargePointId string, limit int64) ([]models.MessageLogRecord, error) {
	if p.database == nil {
		return nil, nil
	}
	return p.database.ReadMessageLog(chargePointId, limit)
}
