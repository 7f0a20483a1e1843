package ocpp

import "ocproxy/types"

const BootNotificationFeatureName = "BootNotification"

// standalone responder tells chargers to heartbeat every 5 minutes
const BootNotificationInterval = 300

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

type BootNotificationResponse struct {
	Status      types.RegistrationStatus `json:"status"`
	CurrentTime *types.DateTime          `json:"currentTime"`
	Interval    int                      `json:"interval"`
}

func (r BootNotificationRequest) GetFeatureName() string {
	return BootNotificationFeatureName
}

func (c BootNotificationResponse) GetFeatureName() string {
	return BootNotificationFeatureName
}

func NewBootNotificationResponse(currentTime *types.DateTime, interval int, status types.RegistrationStatus) *BootNotificationResponse {
	return &BootNotificationResponse{Status: status, CurrentTime: currentTime, Interval: interval}
}
