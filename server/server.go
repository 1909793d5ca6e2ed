// Package server assembles the chat pipeline behind one HTTP server: the
// agent bridge, the plan extractor and session store, the orchestrator, and
// the optional Telegram surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	pkgerrors "github.com/pkg/errors"

	"github.com/dripcast/dripcast/ai/bridge"
	"github.com/dripcast/dripcast/ai/chat"
	"github.com/dripcast/dripcast/ai/core/llm"
	"github.com/dripcast/dripcast/ai/metrics"
	"github.com/dripcast/dripcast/ai/plan"
	"github.com/dripcast/dripcast/internal/profile"
	"github.com/dripcast/dripcast/plugin/telegram"
	apiv1 "github.com/dripcast/dripcast/server/router/api/v1"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

type Server struct {
	Profile *profile.Profile

	echoServer   *echo.Echo
	orchestrator *chat.Orchestrator
	store        *plan.Store
	exporter     *metrics.Exporter
	telegram     *telegram.Bot
}

func NewServer(ctx context.Context, instanceProfile *profile.Profile) (*Server, error) {
	exporter := metrics.NewExporter(metrics.DefaultConfig())

	bridgeClient := bridge.NewClient(bridge.Config{
		BaseURL:         instanceProfile.AgentBaseURL,
		ConnectTimeout:  time.Duration(instanceProfile.AgentConnectTimeout) * time.Second,
		ResponseTimeout: time.Duration(instanceProfile.AgentResponseTimeout) * time.Second,
		MaxConcurrent:   instanceProfile.AgentMaxConcurrent,
	})

	// LLM extraction is best effort: a misconfigured provider downgrades to
	// rules-only extraction instead of refusing to start.
	var strategies []plan.Strategy
	if instanceProfile.IsLLMEnabled() {
		model, err := llm.NewService(&llm.Config{
			Provider: instanceProfile.LLMProvider,
			Model:    instanceProfile.LLMModel,
			APIKey:   instanceProfile.LLMAPIKey,
			BaseURL:  instanceProfile.LLMBaseURL,
			Timeout:  instanceProfile.LLMTimeout,
		})
		if err != nil {
			slog.Warn("server.llm.disabled", "provider", instanceProfile.LLMProvider, "error", err)
		} else {
			strategies = append(strategies, plan.NewLLMStrategy(model))
			go model.Warmup(ctx)
		}
	}
	strategies = append(strategies, plan.RuleStrategy{})

	sessionStore := plan.NewStore(plan.StoreConfig{
		TTL:           time.Duration(instanceProfile.SessionTTLMinutes) * time.Minute,
		SweepInterval: time.Duration(instanceProfile.SessionSweepMinutes) * time.Minute,
		Exporter:      exporter,
	})

	// A broken guard expression is a config fault, not something to limp past:
	// starting without it would drop the plan limits the operator asked for.
	guard, err := plan.NewGuard(instanceProfile.PlanGuardExpr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "plan guard")
	}
	if guard.Enabled() {
		slog.Info("server.plan_guard.enabled", "expr", guard.Expr())
	}

	orchestrator := chat.NewOrchestrator(chat.Config{
		Bridge:    bridgeClient,
		Extractor: plan.NewExtractor(exporter, strategies...),
		Store:     sessionStore,
		Guard:     guard,
		Exporter:  exporter,
	})

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(requestLogger())

	s := &Server{
		Profile:      instanceProfile,
		echoServer:   echoServer,
		orchestrator: orchestrator,
		store:        sessionStore,
		exporter:     exporter,
	}

	apiV1Service := apiv1.NewAPIV1Service(instanceProfile, orchestrator, exporter)
	apiV1Service.Register(echoServer)

	if instanceProfile.IsTelegramEnabled() {
		bot, err := telegram.NewBot(instanceProfile.TelegramBotToken, orchestrator, exporter)
		if err != nil {
			slog.Warn("server.telegram.disabled", "error", err)
		} else {
			s.telegram = bot
		}
	}

	return s, nil
}

// Start launches the HTTP listener and the Telegram poller without blocking.
func (s *Server) Start(ctx context.Context) error {
	if s.telegram != nil {
		go s.telegram.Run(ctx)
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if s.telegram != nil {
		s.telegram.Stop()
	}
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	s.store.Stop()

	slog.Info("dripcast stopped properly")
}

// Orchestrator exposes the chat pipeline, mainly for tests.
func (s *Server) Orchestrator() *chat.Orchestrator {
	return s.orchestrator
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Probe endpoints would drown the log.
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http.request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	})
}
