package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExporterRecords(t *testing.T) {
	exporter := NewExporter(DefaultConfig())

	t.Run("ObserveBridgeCall", func(t *testing.T) {
		exporter.ObserveBridgeCall("ok", 120*time.Millisecond)
		exporter.ObserveBridgeCall("timeout", 60*time.Second)
	})

	t.Run("RecordExtractorRun", func(t *testing.T) {
		exporter.RecordExtractorRun("llm", "failed")
		exporter.RecordExtractorRun("rules", "extracted")
	})

	t.Run("RecordChatRequest", func(t *testing.T) {
		exporter.RecordChatRequest("http")
		exporter.RecordChatRequest("telegram")
	})

	t.Run("RecordFallbackReply", func(t *testing.T) {
		exporter.RecordFallbackReply("smalltalk")
		exporter.RecordFallbackReply("bridge_failure")
	})

	t.Run("Sessions", func(t *testing.T) {
		exporter.SetActiveSessions(3)
		exporter.AddSweptSessions(2)
	})
}

func TestExporterHandler(t *testing.T) {
	exporter := NewExporter(DefaultConfig())

	exporter.ObserveBridgeCall("ok", 100*time.Millisecond)
	exporter.RecordExtractorRun("rules", "extracted")
	exporter.RecordChatRequest("http")
	exporter.RecordFallbackReply("smalltalk")
	exporter.SetActiveSessions(1)

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"dripcast_bridge_calls_total",
		"dripcast_bridge_call_seconds",
		"dripcast_plan_extractor_runs_total",
		"dripcast_chat_requests_total",
		"dripcast_chat_fallback_replies_total",
		"dripcast_plan_sessions_active",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s metric in output", name)
		}
	}
}

func TestExporterNilReceiverIsSafe(t *testing.T) {
	var exporter *Exporter

	exporter.ObserveBridgeCall("ok", time.Second)
	exporter.RecordExtractorRun("rules", "extracted")
	exporter.RecordChatRequest("http")
	exporter.RecordFallbackReply("smalltalk")
	exporter.SetActiveSessions(1)
	exporter.AddSweptSessions(1)
}
