// Package v1 is the HTTP surface: the chat route plus liveness and metrics
// endpoints, with CORS, authentication and rate limiting on the API group.
package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/dripcast/dripcast/ai/chat"
	"github.com/dripcast/dripcast/ai/metrics"
	"github.com/dripcast/dripcast/internal/profile"
	"github.com/dripcast/dripcast/server/auth"
)

const defaultChatRatePerMinute = 60

type APIV1Service struct {
	Profile      *profile.Profile
	Orchestrator *chat.Orchestrator
	Exporter     *metrics.Exporter

	authenticator *auth.Authenticator
}

func NewAPIV1Service(profile *profile.Profile, orchestrator *chat.Orchestrator, exporter *metrics.Exporter) *APIV1Service {
	return &APIV1Service{
		Profile:       profile,
		Orchestrator:  orchestrator,
		Exporter:      exporter,
		authenticator: auth.NewAuthenticator(profile.AuthJWTSecret),
	}
}

// Register mounts all routes on the given echo server.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	echoServer.GET("/healthz", s.Health)
	if s.Exporter != nil {
		echoServer.GET("/metrics", echo.WrapHandler(s.Exporter.Handler()))
	}

	// The mini-app runs inside a Farcaster webview, so origins vary per
	// client build; auth happens at the token layer, not the origin layer.
	apiGroup := echoServer.Group("/api/v1")
	apiGroup.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc:  func(_ string) (bool, error) { return true, nil },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))
	apiGroup.Use(s.authenticator.Middleware())
	apiGroup.Use(s.rateLimiter())

	apiGroup.POST("/chat", s.Chat)
}

// Health reports liveness and the running version.
func (s *APIV1Service) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Profile.Version,
		"mode":    s.Profile.Mode,
	})
}

// rateLimiter throttles per wallet when authenticated, per client IP
// otherwise. Auth middleware runs first so the wallet identity is available
// here.
func (s *APIV1Service) rateLimiter() echo.MiddlewareFunc {
	perMinute := s.Profile.ChatRatePerMinute
	if perMinute <= 0 {
		perMinute = defaultChatRatePerMinute
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60.0),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if wallet := auth.WalletFrom(c); wallet != "" {
				return wallet, nil
			}
			return c.RealIP(), nil
		},
	})
}
