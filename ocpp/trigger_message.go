package ocpp

const TriggerMessageFeatureName = "TriggerMessage"

type MessageTrigger string

const (
	MessageTriggerBootNotification   MessageTrigger = "BootNotification"
	MessageTriggerHeartbeat          MessageTrigger = "Heartbeat"
	MessageTriggerMeterValues        MessageTrigger = "MeterValues"
	MessageTriggerStatusNotification MessageTrigger = "StatusNotification"
)

type TriggerMessageRequest struct {
	RequestedMessage MessageTrigger `json:"requestedMessage"`
	ConnectorId      *int           `json:"connectorId,omitempty"`
}

func (r TriggerMessageRequest) GetFeatureName() string {
	return TriggerMessageFeatureName
}
