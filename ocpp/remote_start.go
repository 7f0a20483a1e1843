package ocpp

import "ocproxy/types"

const (
	RemoteStartTransactionFeatureName = "RemoteStartTransaction"
	RemoteStopTransactionFeatureName  = "RemoteStopTransaction"
)

type RemoteStartTransactionRequest struct {
	ConnectorId     *int                   `json:"connectorId,omitempty"`
	IdTag           string                 `json:"idTag"`
	ChargingProfile *types.ChargingProfile `json:"chargingProfile,omitempty"`
}

type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

func (r RemoteStartTransactionRequest) GetFeatureName() string {
	return RemoteStartTransactionFeatureName
}

func (r RemoteStopTransactionRequest) GetFeatureName() string {
	return RemoteStopTransactionFeatureName
}

func NewRemoteStartTransactionRequest(connectorId int, idTag string) *RemoteStartTransactionRequest {
	return &RemoteStartTransactionRequest{ConnectorId: &connectorId, IdTag: idTag}
}
