package internal

import (
	"fmt"
	"log"
	"time"

	"ocproxy/metrics/counters"
	"ocproxy/models"
)

type Importance string

const (
	Info    Importance = " "
	Warning Importance = "?"
	Error   Importance = "!"
	Raw     Importance = "-"
)

const writerQueueSize = 100

// Logger fans log events out to stdout, the database and the push
// service. All writes happen on a single worker goroutine so the
// forwarding path never waits on persistence. When the queue is full the
// oldest event is dropped and counted; dropping is preferable to
// stalling frame forwarding.
type Logger struct {
	database       Database
	messageService MessageService
	location       *time.Location
	debugMode      bool
	writer         chan *LogEvent
}

type LogEvent struct {
	Importance Importance
	Message    *FeatureLogMessage
	Record     *models.MessageLogRecord
}

func NewLogger(location *time.Location) *Logger {
	logger := &Logger{
		debugMode: false,
		location:  location,
		writer:    make(chan *LogEvent, writerQueueSize),
	}
	go logger.startWriter()
	return logger
}

func (l *Logger) startWriter() {
	for {
		event := <-l.writer

		if event.Record != nil {
			if l.database != nil {
				if err := l.database.WriteMessageRecord(event.Record); err != nil {
					l.logLine(Error, fmt.Sprintln("write message record to database failed:", err))
				}
			}
			continue
		}

		message := event.Message
		messageText := fmt.Sprintf("[%s] %s: %s", message.ChargePointId, message.Feature, message.Text)
		l.logLine(event.Importance, messageText)

		if l.database != nil {
			if err := l.database.WriteLogMessage(message); err != nil {
				l.logLine(Error, fmt.Sprintln("write log to database failed:", err))
			}
		}
		if l.messageService != nil {
			if err := l.messageService.Send(message); err != nil {
				l.logLine(Error, fmt.Sprintln("push log message failed:", err))
			}
		}
	}
}

func (l *Logger) SetDebugMode(debugMode bool) {
	l.debugMode = debugMode
}

func (l *Logger) SetDatabase(database Database) {
	l.database = database
}

func (l *Logger) SetMessageService(messageService MessageService) {
	l.messageService = messageService
}

func logTime(t time.Time) string {
	return fmt.Sprintf("%d-%02d-%02d %02d:%02d:%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
}

func (l *Logger) FeatureEvent(feature, id, text string) {
	l.logEvent(Info, l.newFeatureLogMessage(feature, id, text))
}

func (l *Logger) Debug(text string) {
	l.logEvent(Info, l.newFeatureLogMessage("info", "", text))
}

func (l *Logger) Warn(text string) {
	l.logEvent(Warning, l.newFeatureLogMessage("warning", "", text))
}

func (l *Logger) Error(text string, err error) {
	l.logEvent(Error, l.newFeatureLogMessage("error", "", fmt.Sprintf("%s: %s", text, err)))
}

func (l *Logger) RawDataEvent(direction, data string) {
	if l.debugMode {
		l.logEvent(Raw, l.newFeatureLogMessage("raw", "", fmt.Sprintf("%s: %s", direction, data)))
	}
}

// MessageEvent queues an OCPP frame record for the persistent message log.
func (l *Logger) MessageEvent(record *models.MessageLogRecord) {
	l.enqueue(&LogEvent{Importance: Raw, Record: record})
}

func (l *Logger) logEvent(importance Importance, message *FeatureLogMessage) {
	if message.ChargePointId == "" {
		message.ChargePointId = "*"
	}
	message.Importance = string(importance)
	l.enqueue(&LogEvent{Importance: importance, Message: message})
}

func (l *Logger) enqueue(event *LogEvent) {
	for {
		select {
		case l.writer <- event:
			return
		default:
		}
		// queue full: drop the oldest queued event to keep the hot path live
		select {
		case <-l.writer:
			counters.CountDroppedLogEvent()
		default:
		}
	}
}

func (l *Logger) logLine(importance Importance, text string) {
	if importance == Info && l.database != nil {
		return
	}
	log.Printf("%s %s", importance, text)
}

func (l *Logger) newFeatureLogMessage(feature, id, text string) *FeatureLogMessage {
	now := time.Now()
	if l.location != nil {
		now = now.In(l.location)
	}
	return &FeatureLogMessage{
		Time:          logTime(now),
		TimeStamp:     time.Now().UTC(),
		Text:          text,
		Feature:       feature,
		ChargePointId: id,
	}
}
