package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fredylg/ReefBuddy-sub000/internal/models"
	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SandboxSentinelTransactionID is the transaction id StoreKit testing
// environments report. Purchases with this id are exempt from the
// duplicate check so sandbox test purchases can be reprocessed.
const SandboxSentinelTransactionID = "0"

// CreditBalance is the result of a balance check
type CreditBalance struct {
	Allowed       bool `json:"allowed"`
	FreeLimit     int  `json:"freeLimit"`
	FreeUsed      int  `json:"freeUsed"`
	FreeRemaining int  `json:"freeRemaining"`
	PaidCredits   int  `json:"paidCredits"`
	TotalCredits  int  `json:"totalCredits"`
	TotalAnalyses int  `json:"totalAnalyses"`
}

// CreditLedger manages per-device free and paid credits.
// Mutations are single conditional statements (or one transaction for
// purchases) so concurrent consumers cannot double-spend the last credit.
type CreditLedger struct {
	db        *gorm.DB
	freeLimit int
}

// NewCreditLedger creates a ledger with the given lifetime free allowance
func NewCreditLedger(db *gorm.DB, freeLimit int) *CreditLedger {
	return &CreditLedger{db: db, freeLimit: freeLimit}
}

// GetOrCreate returns the device record, creating a zeroed one on first access
func (l *CreditLedger) GetOrCreate(deviceID string) (*models.DeviceCredit, error) {
	var record models.DeviceCredit
	err := l.db.Where("device_id = ?", deviceID).
		FirstOrCreate(&record, models.DeviceCredit{DeviceID: deviceID}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load device credit record: %w", err)
	}
	return &record, nil
}

// CheckAvailable reports whether the device can run one more analysis
func (l *CreditLedger) CheckAvailable(deviceID string) (*CreditBalance, error) {
	record, err := l.GetOrCreate(deviceID)
	if err != nil {
		return nil, err
	}

	freeRemaining := l.freeLimit - record.FreeUsed
	if freeRemaining < 0 {
		freeRemaining = 0
	}

	return &CreditBalance{
		Allowed:       freeRemaining > 0 || record.PaidCredits > 0,
		FreeLimit:     l.freeLimit,
		FreeUsed:      record.FreeUsed,
		FreeRemaining: freeRemaining,
		PaidCredits:   record.PaidCredits,
		TotalCredits:  freeRemaining + record.PaidCredits,
		TotalAnalyses: record.TotalAnalyses,
	}, nil
}

// ConsumeOne takes one credit from the device, free allowance first.
// Returns false when the device has no credit left. Each path is a
// single conditional UPDATE, so two concurrent calls cannot both take
// the last credit.
func (l *CreditLedger) ConsumeOne(deviceID string) (bool, error) {
	if _, err := l.GetOrCreate(deviceID); err != nil {
		return false, err
	}

	// Free allowance first.
	res := l.db.Model(&models.DeviceCredit{}).
		Where("device_id = ? AND free_used < ?", deviceID, l.freeLimit).
		Updates(map[string]interface{}{
			"free_used":      gorm.Expr("free_used + 1"),
			"total_analyses": gorm.Expr("total_analyses + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to consume free credit: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Paid balance once the free allowance is exhausted.
	res = l.db.Model(&models.DeviceCredit{}).
		Where("device_id = ? AND paid_credits > 0", deviceID).
		Updates(map[string]interface{}{
			"paid_credits":   gorm.Expr("paid_credits - 1"),
			"total_analyses": gorm.Expr("total_analyses + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to consume paid credit: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AddCredits records a verified purchase and credits the device.
// The UNIQUE index on apple_transaction_id is the idempotency arbiter:
// a transaction id seen before yields a DuplicateTransaction error and
// no balance change. The sandbox sentinel id is exempt; its previous
// row is replaced so test purchases can be reprocessed.
func (l *CreditLedger) AddCredits(deviceID string, amount int, productID, transactionID, auditBlob string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if _, err := l.GetOrCreate(deviceID); err != nil {
		return err
	}

	err := l.db.Transaction(func(tx *gorm.DB) error {
		if transactionID == SandboxSentinelTransactionID {
			// Hard delete: a soft-deleted row would still occupy the
			// unique index.
			if err := tx.Unscoped().
				Where("apple_transaction_id = ?", transactionID).
				Delete(&models.PurchaseHistory{}).Error; err != nil {
				return fmt.Errorf("failed to clear sentinel purchase: %w", err)
			}
		} else {
			var count int64
			if err := tx.Model(&models.PurchaseHistory{}).
				Where("apple_transaction_id = ?", transactionID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check for duplicate purchase: %w", err)
			}
			if count > 0 {
				return NewVerificationError(CodeDuplicateTransaction, "transaction %s already processed", transactionID)
			}
		}

		purchase := models.PurchaseHistory{
			PurchaseID:         uuid.NewString(),
			DeviceID:           deviceID,
			ProductID:          productID,
			CreditsAdded:       amount,
			AppleTransactionID: transactionID,
			ReceiptData:        auditBlob,
		}
		if err := tx.Create(&purchase).Error; err != nil {
			if isDuplicateKeyError(err) {
				// Lost the race against a concurrent insert of the
				// same transaction id.
				return NewVerificationError(CodeDuplicateTransaction, "transaction %s already processed", transactionID)
			}
			return fmt.Errorf("failed to record purchase: %w", err)
		}

		res := tx.Model(&models.DeviceCredit{}).
			Where("device_id = ?", deviceID).
			Update("paid_credits", gorm.Expr("paid_credits + ?", amount))
		if res.Error != nil {
			return fmt.Errorf("failed to credit device: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device record vanished while crediting")
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.Infof("Credited %d to device %s for product %s (transaction %s)", amount, deviceID, productID, transactionID)
	return nil
}

// isDuplicateKeyError detects unique-constraint violations across the
// Postgres and SQLite drivers
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
