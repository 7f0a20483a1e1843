package internal

import "ocproxy/models"

type LogHandler interface {
	FeatureEvent(feature, id, text string)
	Debug(text string)
	Warn(text string)
	Error(text string, err error)
	RawDataEvent(direction, data string)
	MessageEvent(record *models.MessageLogRecord)
}
