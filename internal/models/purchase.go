package models

// PurchaseHistory stores one row per accepted purchase.
// AppleTransactionID carries a UNIQUE index and is the sole
// duplicate-purchase defense: a replayed transaction fails the insert.
type PurchaseHistory struct {
	BaseModel

	// PurchaseID is generated locally (UUID), independent of Apple's ids.
	PurchaseID string `json:"purchase_id" gorm:"not null;size:36;uniqueIndex"`

	DeviceID     string `json:"device_id" gorm:"not null;size:100;index"`
	ProductID    string `json:"product_id" gorm:"not null;size:100"`
	CreditsAdded int    `json:"credits_added" gorm:"not null"`

	AppleTransactionID string `json:"apple_transaction_id" gorm:"not null;size:100;uniqueIndex"`

	// ReceiptData keeps the raw JWS (or legacy receipt) for audit.
	ReceiptData string `json:"receipt_data" gorm:"type:text"`
}

// TableName specifies the table name
func (PurchaseHistory) TableName() string {
	return "purchase_history"
}
