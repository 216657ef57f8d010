package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fredylg/ReefBuddy-sub000/internal/config"
	"github.com/fredylg/ReefBuddy-sub000/internal/database"
	"github.com/fredylg/ReefBuddy-sub000/internal/models"
	"github.com/fredylg/ReefBuddy-sub000/internal/services"
	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubAnalysisProvider struct{}

func (stubAnalysisProvider) Analyze(ctx context.Context, req *services.AnalysisRequest) (*services.AnalysisResult, error) {
	return &services.AnalysisResult{Summary: "parameters look stable", Severity: "low"}, nil
}

// setupTestRouter wires the full HTTP surface against an in-memory
// database and Redis, with the analysis upstream stubbed out
func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logging.InitLogging()

	config.AppConfig = &config.Config{
		BundleID:          "com.reefbuddy.app",
		AppleJWKSURL:      "http://127.0.0.1:0/keys",
		JWKSCacheTTL:      60,
		FreeCreditLimit:   3,
		RateLimitMax:      100,
		RateLimitWindowMs: 60000,
	}

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.DeviceCredit{}, &models.PurchaseHistory{}))
	database.DB = db

	mr := miniredis.RunT(t)
	database.RedisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = database.RedisClient.Close() })

	r := gin.New()
	SetupRoutes(r)
	analysisProvider = stubAnalysisProvider{}
	return r
}

// sandboxJWS builds a structurally valid sandbox token. Sandbox tokens
// skip signature verification, so the signature segment is filler.
func sandboxJWS(t *testing.T, transactionID, productID, bundleID string) string {
	t.Helper()
	header, err := json.Marshal(map[string]interface{}{"alg": "ES256", "kid": "sandbox"})
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{
		"transactionId":         transactionID,
		"originalTransactionId": transactionID,
		"bundleId":              bundleID,
		"productId":             productID,
		"purchaseDate":          int64(1700000000000),
		"environment":           "Sandbox",
	})
	require.NoError(t, err)
	enc := base64.RawURLEncoding.EncodeToString
	return enc(header) + "." + enc(payload) + "." + enc([]byte("unsigned"))
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getBalance(t *testing.T, r *gin.Engine, deviceID string) BalanceResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodGet, "/credits/balance?deviceId="+deviceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	return balance
}

func analysisBody(deviceID string) map[string]interface{} {
	return map[string]interface{}{
		"deviceId":     deviceID,
		"tankVolumeL":  200.0,
		"measurements": map[string]float64{"ph": 8.2, "nitrate": 5.0, "alkalinity": 8.5},
	}
}

func TestEndToEndCreditFlow(t *testing.T) {
	r := setupTestRouter(t)

	// Fresh device starts with the full free allowance.
	balance := getBalance(t, r, "d1")
	require.Equal(t, 3, balance.FreeRemaining)
	require.Equal(t, 0, balance.PaidCredits)

	// Three analyses consume the free allowance.
	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/analysis", analysisBody("d1"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	balance = getBalance(t, r, "d1")
	require.Equal(t, 0, balance.FreeRemaining)
	require.Equal(t, 3, balance.TotalAnalyses)

	// The fourth analysis is refused before the upstream is touched.
	w := doJSON(t, r, http.MethodPost, "/analysis", analysisBody("d1"))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	// Purchase a 5-pack with a sandbox transaction.
	purchase := map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, "T1", "com.reefbuddy.credits5", "com.reefbuddy.app"),
		"transactionId":     "T1",
		"productId":         "com.reefbuddy.credits5",
	}
	w = doJSON(t, r, http.MethodPost, "/credits/purchase", purchase)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp PurchaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 5, resp.CreditsAdded)
	require.Equal(t, "Sandbox", resp.Environment)
	require.Equal(t, 5, resp.NewBalance.PaidCredits)

	// Replaying the same transaction is a 409 and changes nothing.
	w = doJSON(t, r, http.MethodPost, "/credits/purchase", purchase)
	require.Equal(t, http.StatusConflict, w.Code)

	balance = getBalance(t, r, "d1")
	require.Equal(t, 5, balance.PaidCredits)

	// Paid credits now cover analyses.
	w = doJSON(t, r, http.MethodPost, "/analysis", analysisBody("d1"))
	require.Equal(t, http.StatusOK, w.Code)

	balance = getBalance(t, r, "d1")
	require.Equal(t, 4, balance.PaidCredits)
	require.Equal(t, 4, balance.TotalAnalyses)
}

func TestPurchaseValidation(t *testing.T) {
	r := setupTestRouter(t)

	// Bundle id mismatch is rejected even though the payload is accepted
	// structurally.
	w := doJSON(t, r, http.MethodPost, "/credits/purchase", map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, "T2", "com.reefbuddy.credits5", "com.other.app"),
		"transactionId":     "T2",
		"productId":         "com.reefbuddy.credits5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "BundleMismatch")

	// Product id differing from the signed payload.
	w = doJSON(t, r, http.MethodPost, "/credits/purchase", map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, "T3", "com.reefbuddy.credits50", "com.reefbuddy.app"),
		"transactionId":     "T3",
		"productId":         "com.reefbuddy.credits5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "ProductMismatch")

	// Transaction id differing from the signed payload.
	w = doJSON(t, r, http.MethodPost, "/credits/purchase", map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, "T4", "com.reefbuddy.credits5", "com.reefbuddy.app"),
		"transactionId":     "T4-other",
		"productId":         "com.reefbuddy.credits5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "InvalidPayload")

	// Unknown product id.
	w = doJSON(t, r, http.MethodPost, "/credits/purchase", map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, "T5", "com.reefbuddy.megapack", "com.reefbuddy.app"),
		"transactionId":     "T5",
		"productId":         "com.reefbuddy.megapack",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "UnknownProduct")

	// No device was ever credited.
	balance := getBalance(t, r, "d1")
	require.Equal(t, 0, balance.PaidCredits)
}

func TestBalanceRequiresDeviceID(t *testing.T) {
	r := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/credits/balance", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalysisRateLimit(t *testing.T) {
	r := setupTestRouter(t)
	config.AppConfig.RateLimitMax = 2

	// Two requests pass the limiter, the third is rejected before any
	// credit handling.
	for i := 0; i < 2; i++ {
		w := doJSON(t, r, http.MethodPost, "/analysis", analysisBody("d-rate"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/analysis", analysisBody("d-rate"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	balance := getBalance(t, r, "d-rate")
	require.Equal(t, 2, balance.TotalAnalyses)
}

func TestSandboxSentinelPurchaseReprocessing(t *testing.T) {
	r := setupTestRouter(t)

	purchase := map[string]interface{}{
		"deviceId":          "d1",
		"jwsRepresentation": sandboxJWS(t, services.SandboxSentinelTransactionID, "com.reefbuddy.credits5", "com.reefbuddy.app"),
		"transactionId":     services.SandboxSentinelTransactionID,
		"productId":         "com.reefbuddy.credits5",
	}

	for i := 0; i < 2; i++ {
		w := doJSON(t, r, http.MethodPost, "/credits/purchase", purchase)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	balance := getBalance(t, r, "d1")
	require.Equal(t, 10, balance.PaidCredits)
}
