package v1

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dripcast/dripcast/ai/chat"
	"github.com/dripcast/dripcast/server/auth"
)

// Chat runs one user message through the orchestrator pipeline. Domain
// outcomes, including user-actionable failures like a missing wallet, come
// back as HTTP 200 with success=false; only malformed requests produce 4xx.
func (s *APIV1Service) Chat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed chat request")
	}
	if strings.TrimSpace(req.Message) == "" && req.ConfirmationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message or confirmationId is required")
	}

	// An authenticated wallet always wins over the body's address.
	if wallet := auth.WalletFrom(c); wallet != "" {
		req.UserAddress = wallet
	}

	s.Exporter.RecordChatRequest("http")

	resp, err := s.Orchestrator.Handle(c.Request().Context(), req)
	if err != nil {
		slog.Error("chat.request.failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "chat pipeline failed")
	}
	return c.JSON(http.StatusOK, resp)
}
