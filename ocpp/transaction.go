package ocpp

import "ocproxy/types"

const (
	StartTransactionFeatureName = "StartTransaction"
	StopTransactionFeatureName  = "StopTransaction"
	MeterValuesFeatureName      = "MeterValues"
)

type StartTransactionRequest struct {
	ConnectorId   int             `json:"connectorId"`
	IdTag         string          `json:"idTag"`
	MeterStart    int             `json:"meterStart"`
	ReservationId *int            `json:"reservationId,omitempty"`
	Timestamp     *types.DateTime `json:"timestamp"`
}

type StartTransactionResponse struct {
	TransactionId int              `json:"transactionId"`
	IdTagInfo     *types.IdTagInfo `json:"idTagInfo"`
}

type StopTransactionRequest struct {
	TransactionId int             `json:"transactionId"`
	IdTag         string          `json:"idTag,omitempty"`
	MeterStop     int             `json:"meterStop"`
	Timestamp     *types.DateTime `json:"timestamp"`
	Reason        string          `json:"reason,omitempty"`
}

type StopTransactionResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo,omitempty"`
}

type MeterValuesResponse struct {
}

func (r StartTransactionRequest) GetFeatureName() string {
	return StartTransactionFeatureName
}

func (c StartTransactionResponse) GetFeatureName() string {
	return StartTransactionFeatureName
}

func (r StopTransactionRequest) GetFeatureName() string {
	return StopTransactionFeatureName
}

func (c StopTransactionResponse) GetFeatureName() string {
	return StopTransactionFeatureName
}

func (c MeterValuesResponse) GetFeatureName() string {
	return MeterValuesFeatureName
}

func NewStartTransactionResponse(idTagInfo *types.IdTagInfo, transactionId int) *StartTransactionResponse {
	return &StartTransactionResponse{TransactionId: transactionId, IdTagInfo: idTagInfo}
}

func NewStopTransactionResponse(idTagInfo *types.IdTagInfo) *StopTransactionResponse {
	return &StopTransactionResponse{IdTagInfo: idTagInfo}
}

func NewMeterValuesResponse() *MeterValuesResponse {
	return &MeterValuesResponse{}
}
