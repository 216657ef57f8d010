package api

import (
	"net/http"

	"github.com/fredylg/ReefBuddy-sub000/internal/config"
	"github.com/fredylg/ReefBuddy-sub000/internal/database"
	"github.com/fredylg/ReefBuddy-sub000/internal/response"
	"github.com/fredylg/ReefBuddy-sub000/internal/services"
	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"

	"github.com/gin-gonic/gin"
)

// AnalyzeRequest is the analysis request body
type AnalyzeRequest struct {
	DeviceID     string             `json:"deviceId" binding:"required"`
	TankVolumeL  float64            `json:"tankVolumeL"`
	Measurements map[string]float64 `json:"measurements" binding:"required"`
	Notes        string             `json:"notes"`
}

// AnalyzeResponse wraps the upstream result with the remaining balance
type AnalyzeResponse struct {
	Result  *services.AnalysisResult `json:"result"`
	Balance BalanceResponse          `json:"balance"`
}

// AnalyzeWater runs one credit-gated water chemistry analysis.
// The rate limit middleware has already passed by the time this runs;
// credits are checked and consumed before the upstream is called.
func AnalyzeWater(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error("Invalid request: "+err.Error()))
		return
	}

	ledger := services.NewCreditLedger(database.GetDB(), config.AppConfig.FreeCreditLimit)

	balance, err := ledger.CheckAvailable(req.DeviceID)
	if err != nil {
		logging.Errorf("Failed to check credits for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Failed to check credits"))
		return
	}
	if !balance.Allowed {
		c.JSON(http.StatusPaymentRequired, response.Error("No analysis credits remaining"))
		return
	}

	consumed, err := ledger.ConsumeOne(req.DeviceID)
	if err != nil {
		logging.Errorf("Failed to consume credit for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Failed to consume credit"))
		return
	}
	if !consumed {
		// Another request took the last credit between check and consume.
		c.JSON(http.StatusPaymentRequired, response.Error("No analysis credits remaining"))
		return
	}

	result, err := analysisProvider.Analyze(c.Request.Context(), &services.AnalysisRequest{
		DeviceID:     req.DeviceID,
		TankVolumeL:  req.TankVolumeL,
		Measurements: req.Measurements,
		Notes:        req.Notes,
	})
	if err != nil {
		logging.Errorf("Analysis upstream failed for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusBadGateway, response.Error("Analysis service unavailable"))
		return
	}

	newBalance, err := ledger.CheckAvailable(req.DeviceID)
	if err != nil {
		logging.Errorf("Failed to re-read balance for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, response.ErrorWithCode(services.CodeStorageFailure, "Failed to read balance"))
		return
	}

	c.JSON(http.StatusOK, AnalyzeResponse{
		Result:  result,
		Balance: toBalanceResponse(newBalance),
	})
}
