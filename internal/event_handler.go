package internal

import "time"

// EventHandler receives proxy lifecycle events for external notification
// channels. Implementations must not block.
type EventHandler interface {
	OnChargerConnected(event *EventMessage)
	OnChargerDisconnected(event *EventMessage)
	OnUpstreamLost(event *EventMessage)
	OnUpstreamRestored(event *EventMessage)
	OnAutoStart(event *EventMessage)
}

type EventMessage struct {
	ChargePointId string    `json:"charge_point_id" bson:"charge_point_id"`
	ConnectorId   int       `json:"connector_id" bson:"connector_id"`
	Time          time.Time `json:"time" bson:"time"`
	IdTag         string    `json:"id_tag" bson:"id_tag"`
	TransactionId int       `json:"transaction_id" bson:"transaction_id"`
	Info          string    `json:"info" bson:"info"`
}
