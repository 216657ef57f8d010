package api

import (
	"time"

	"github.com/fredylg/ReefBuddy-sub000/internal/config"
	"github.com/fredylg/ReefBuddy-sub000/internal/database"
	"github.com/fredylg/ReefBuddy-sub000/internal/middleware"
	"github.com/fredylg/ReefBuddy-sub000/internal/services"

	"github.com/gin-gonic/gin"
)

// Shared service instances. The key store cache in particular must be
// process-wide so concurrent requests share one JWKS fetch cycle.
var (
	jwsVerifier      *services.JWSVerifier
	analysisProvider services.AnalysisProvider
)

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine) {
	keyStore := services.NewAppleKeyStore(
		config.AppConfig.AppleJWKSURL,
		time.Duration(config.AppConfig.JWKSCacheTTL)*time.Minute,
	)
	jwsVerifier = services.NewJWSVerifier(keyStore)
	analysisProvider = services.NewHTTPAnalysisProvider(config.AppConfig.AnalysisUpstreamURL)
	middleware.InitRateLimiter(services.NewRateLimiter(database.GetRedis()))

	// Credit routes (client API, device-identified)
	credits := r.Group("/credits")
	{
		credits.GET("/balance", GetCreditsBalance)
		credits.POST("/purchase", PurchaseCredits)
	}

	// Analysis route, rate limited per client IP before credits are
	// even checked
	r.POST("/analysis", middleware.RateLimitMiddleware(), AnalyzeWater)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "reefbuddy-credits",
		})
	})
}
