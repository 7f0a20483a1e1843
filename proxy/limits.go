package proxy

import (
	"fmt"
	"time"

	"ocproxy/ocpp"
	"ocproxy/types"
)

const (
	// profile slot used for the durable per-charger cap
	maxProfileId    = 1
	maxProfileStack = 1
	// profile slot used for one-shot session limits
	sessionProfileId    = 2
	sessionProfileStack = 2
)

// chargePointMaxProfile caps the whole charge point at the given current.
func chargePointMaxProfile(amperes float64) *ocpp.SetChargingProfileRequest {
	return &ocpp.SetChargingProfileRequest{
		ConnectorId: 0,
		ChargingProfile: &types.ChargingProfile{
			ChargingProfileId:      maxProfileId,
			StackLevel:             maxProfileStack,
			ChargingProfilePurpose: types.ChargingProfilePurposeChargePointMaxProfile,
			ChargingProfileKind:    types.ChargingProfileKindAbsolute,
			ChargingSchedule: &types.ChargingSchedule{
				ChargingRateUnit: types.ChargingRateUnitAmperes,
				ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: amperes},
				},
			},
		},
	}
}

// sessionLimitProfile builds a one-shot limit. With a transaction id the
// profile is a TxProfile pinned to that transaction on connector 1;
// otherwise a TxDefaultProfile for all connectors.
func sessionLimitProfile(amperes float64, transactionId *int) *ocpp.SetChargingProfileRequest {
	profile := &types.ChargingProfile{
		ChargingProfileId:      sessionProfileId,
		StackLevel:             sessionProfileStack,
		ChargingProfilePurpose: types.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    types.ChargingProfileKindAbsolute,
		ChargingSchedule: &types.ChargingSchedule{
			ChargingRateUnit: types.ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: amperes},
			},
		},
	}
	connectorId := 0
	if transactionId != nil {
		profile.ChargingProfilePurpose = types.ChargingProfilePurposeTxProfile
		profile.TransactionId = *transactionId
		connectorId = 1
	}
	return &ocpp.SetChargingProfileRequest{
		ConnectorId:     connectorId,
		ChargingProfile: profile,
	}
}

// SetPersistentLimit stores the durable per-charger cap (nil clears it)
// and pushes the equivalent profile to the charger. The durable write
// happens first: when persistence fails no injection is emitted.
func (s *Session) SetPersistentLimit(amperes *float64) (string, error) {
	if s.database != nil {
		if err := s.database.SetMaxPower(s.id, amperes); err != nil {
			return "", fmt.Errorf("storing max power for %s: %w", s.id, err)
		}
	}
	if amperes == nil {
		profileId := maxProfileId
		return s.Inject(ocpp.ClearChargingProfileFeatureName, &ocpp.ClearChargingProfileRequest{Id: &profileId})
	}
	return s.Inject(ocpp.SetChargingProfileFeatureName, chargePointMaxProfile(*amperes))
}

// ApplySessionLimit pushes a one-shot limit without touching durable state.
func (s *Session) ApplySessionLimit(amperes float64, transactionId *int) (string, error) {
	return s.Inject(ocpp.SetChargingProfileFeatureName, sessionLimitProfile(amperes, transactionId))
}

// scheduleStoredLimit re-asserts the persisted cap on a fresh session.
// The short delay lets the BootNotification exchange settle first.
func (s *Session) scheduleStoredLimit() {
	if s.database == nil {
		return
	}
	chargePoint, err := s.database.GetChargePoint(s.id)
	if err != nil {
		s.logger.Error(fmt.Sprintf("reading stored limit for %s", s.id), err)
		return
	}
	if chargePoint == nil || chargePoint.MaxPower == nil {
		return
	}
	amperes := *chargePoint.MaxPower

	delay := s.opts.LimitReplayDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.limitTimer = time.AfterFunc(delay, func() {
		messageId, err := s.Inject(ocpp.SetChargingProfileFeatureName, chargePointMaxProfile(amperes))
		if err != nil {
			s.logger.Warn(fmt.Sprintf("replaying stored limit for %s failed: %s", s.id, err))
			return
		}
		s.logger.FeatureEvent(ocpp.SetChargingProfileFeatureName, s.id, fmt.Sprintf("replayed stored limit %.1f A, message %s", amperes, messageId))
	})
	s.mux.Unlock()
}
