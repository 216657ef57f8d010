package models

// DeviceCredit tracks the per-device analysis allowance.
// Devices are identified only by an opaque device ID; no account or PII
// is attached. A record is created lazily on first reference and never
// deleted.
type DeviceCredit struct {
	BaseModel

	DeviceID string `json:"device_id" gorm:"not null;size:100;uniqueIndex"`

	// FreeUsed counts consumptions taken from the lifetime free allowance.
	FreeUsed int `json:"free_used" gorm:"not null;default:0"`

	// PaidCredits is the remaining purchased balance.
	PaidCredits int `json:"paid_credits" gorm:"not null;default:0"`

	// TotalAnalyses counts every successful consumption, free or paid.
	TotalAnalyses int `json:"total_analyses" gorm:"not null;default:0"`
}

// TableName specifies the table name
func (DeviceCredit) TableName() string {
	return "device_credits"
}
