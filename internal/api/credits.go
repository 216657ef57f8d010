package api

import (
	"errors"
	"net/http"

	"github.com/fredylg/ReefBuddy-sub000/internal/config"
	"github.com/fredylg/ReefBuddy-sub000/internal/database"
	"github.com/fredylg/ReefBuddy-sub000/internal/response"
	"github.com/fredylg/ReefBuddy-sub000/internal/services"
	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"

	"github.com/gin-gonic/gin"
)

// BalanceResponse is the credit balance returned to the client
type BalanceResponse struct {
	FreeLimit     int `json:"freeLimit"`
	FreeUsed      int `json:"freeUsed"`
	FreeRemaining int `json:"freeRemaining"`
	PaidCredits   int `json:"paidCredits"`
	TotalCredits  int `json:"totalCredits"`
	TotalAnalyses int `json:"totalAnalyses"`
}

// PurchaseRequest is the purchase verification request body
type PurchaseRequest struct {
	DeviceID              string `json:"deviceId" binding:"required"`
	JWSRepresentation     string `json:"jwsRepresentation" binding:"required"`
	TransactionID         string `json:"transactionId" binding:"required"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId" binding:"required"`
}

// PurchaseResponse reports an accepted purchase
type PurchaseResponse struct {
	CreditsAdded int             `json:"creditsAdded"`
	Environment  string          `json:"environment"`
	NewBalance   BalanceResponse `json:"newBalance"`
}

// GetCreditsBalance returns the device's credit balance
func GetCreditsBalance(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, response.Error("deviceId query parameter is required"))
		return
	}

	ledger := services.NewCreditLedger(database.GetDB(), config.AppConfig.FreeCreditLimit)
	balance, err := ledger.CheckAvailable(deviceID)
	if err != nil {
		logging.Errorf("Failed to read balance for device %s: %v", deviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Failed to read balance"))
		return
	}

	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

// PurchaseCredits verifies a StoreKit signed transaction and credits the device
func PurchaseCredits(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error("Invalid request: "+err.Error()))
		return
	}

	payload, err := jwsVerifier.VerifyTransaction(c.Request.Context(), req.JWSRepresentation)
	if err != nil {
		code := services.ErrorCode(err)
		logging.Warnf("Purchase verification failed for device %s: %v", req.DeviceID, err)
		c.JSON(statusForCode(code), response.ErrorWithCode(code, clientMessage(err)))
		return
	}

	// The verified payload is the source of truth; the request fields
	// must agree with it.
	if payload.TransactionID != req.TransactionID {
		c.JSON(http.StatusBadRequest, response.ErrorWithCode(services.CodeInvalidPayload, "transaction id does not match signed payload"))
		return
	}
	if payload.ProductID != req.ProductID {
		c.JSON(http.StatusBadRequest, response.ErrorWithCode(services.CodeProductMismatch, "product mismatch"))
		return
	}
	if payload.BundleID != config.AppConfig.BundleID {
		c.JSON(http.StatusBadRequest, response.ErrorWithCode(services.CodeBundleMismatch, "bundle id mismatch"))
		return
	}

	credits, known := services.CreditsForProduct(payload.ProductID)
	if !known {
		c.JSON(http.StatusBadRequest, response.ErrorWithCode(services.CodeUnknownProduct, "unknown product "+payload.ProductID))
		return
	}

	ledger := services.NewCreditLedger(database.GetDB(), config.AppConfig.FreeCreditLimit)
	err = ledger.AddCredits(req.DeviceID, credits, payload.ProductID, payload.TransactionID, req.JWSRepresentation)
	if err != nil {
		code := services.ErrorCode(err)
		if code == services.CodeDuplicateTransaction {
			// Already applied; the client should treat this as success.
			c.JSON(http.StatusConflict, response.ErrorWithCode(code, "transaction already processed"))
			return
		}
		logging.Errorf("Failed to credit device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Failed to apply purchase"))
		return
	}

	balance, err := ledger.CheckAvailable(req.DeviceID)
	if err != nil {
		logging.Errorf("Failed to read balance after purchase for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Purchase applied but balance read failed"))
		return
	}

	logging.Infof("Purchase accepted - device: %s, product: %s, transaction: %s, environment: %s",
		req.DeviceID, payload.ProductID, payload.TransactionID, payload.Environment)

	c.JSON(http.StatusOK, PurchaseResponse{
		CreditsAdded: credits,
		Environment:  payload.Environment,
		NewBalance:   toBalanceResponse(balance),
	})
}

// toBalanceResponse maps a ledger balance to the client shape
func toBalanceResponse(b *services.CreditBalance) BalanceResponse {
	return BalanceResponse{
		FreeLimit:     b.FreeLimit,
		FreeUsed:      b.FreeUsed,
		FreeRemaining: b.FreeRemaining,
		PaidCredits:   b.PaidCredits,
		TotalCredits:  b.TotalCredits,
		TotalAnalyses: b.TotalAnalyses,
	}
}

// statusForCode maps taxonomy codes to HTTP status codes
func statusForCode(code string) int {
	switch code {
	case services.CodeDuplicateTransaction:
		return http.StatusConflict
	case services.CodeStorageFailure:
		return http.StatusInternalServerError
	case services.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// clientMessage returns the short client-safe message for an error.
// Raw internal detail (key material, wrapped storage errors) stays out
// of responses.
func clientMessage(err error) string {
	var verr *services.VerificationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return "verification failed"
}
