package ocpp

import "ocproxy/types"

const (
	SetChargingProfileFeatureName   = "SetChargingProfile"
	ClearChargingProfileFeatureName = "ClearChargingProfile"
)

type SetChargingProfileRequest struct {
	ConnectorId     int                    `json:"connectorId"`
	ChargingProfile *types.ChargingProfile `json:"csChargingProfiles"`
}

type ClearChargingProfileRequest struct {
	Id                     *int                             `json:"id,omitempty"`
	ConnectorId            *int                             `json:"connectorId,omitempty"`
	ChargingProfilePurpose types.ChargingProfilePurposeType `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int                             `json:"stackLevel,omitempty"`
}

func (r SetChargingProfileRequest) GetFeatureName() string {
	return SetChargingProfileFeatureName
}

func (r ClearChargingProfileRequest) GetFeatureName() string {
	return ClearChargingProfileFeatureName
}
