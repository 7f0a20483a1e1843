package models

const ProxySettingsType = "proxySettings"

// ProxySettings is the durable, hot-reloadable part of the configuration.
type ProxySettings struct {
	TargetCsmsUrl         string `json:"target_csms_url" bson:"target_csms_url"`
	CsmsForwardingEnabled bool   `json:"csms_forwarding_enabled" bson:"csms_forwarding_enabled"`
	AutoChargeEnabled     bool   `json:"auto_charge_enabled" bson:"auto_charge_enabled"`
	DefaultIdTag          string `json:"default_id_tag" bson:"default_id_tag"`
}

func (s *ProxySettings) DataType() string {
	return ProxySettingsType
}
