package models

import "time"

const (
	ChargePointStatusOnline  = "ONLINE"
	ChargePointStatusOffline = "OFFLINE"
)

type ChargePoint struct {
	Id              string    `json:"charge_point_id" bson:"charge_point_id"`
	Status          string    `json:"status" bson:"status"`
	LastSeen        time.Time `json:"last_seen" bson:"last_seen"`
	MaxPower        *float64  `json:"max_power,omitempty" bson:"max_power,omitempty"`
	Title           string    `json:"title" bson:"title"`
	Model           string    `json:"model" bson:"model"`
	SerialNumber    string    `json:"serial_number" bson:"serial_number"`
	Vendor          string    `json:"vendor" bson:"vendor"`
	FirmwareVersion string    `json:"firmware_version" bson:"firmware_version"`
}
