// Package chat is the entry point for user messages: it routes each message
// through the confirmation flow, smalltalk, the plan-building loop, or a
// generic agent call, in that order.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dripcast/dripcast/ai/bridge"
	"github.com/dripcast/dripcast/ai/metrics"
	"github.com/dripcast/dripcast/ai/plan"
)

// Request is one incoming chat message.
type Request struct {
	Message             string         `json:"message"`
	UserAddress         string         `json:"userAddress,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversationHistory,omitempty"`
	ConfirmationID      string         `json:"confirmationId,omitempty"`
	Action              string         `json:"action,omitempty"`

	// SessionKey overrides the session bucket. Surfaces without wallets
	// (Telegram) set it; it never comes off the wire.
	SessionKey string `json:"-"`
}

// HistoryEntry is a client-supplied prior turn.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the reply sent back to the client.
type Response struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Action   string `json:"action,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// ConfirmationData rides along a confirm_plan response: the token to echo
// back plus the plan it encodes, for display.
type ConfirmationData struct {
	ConfirmationID string        `json:"confirmationId"`
	Plan           plan.PlanData `json:"plan"`
}

// Action values on requests and responses.
const (
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"

	ActionConfirmPlan   = "confirm_plan"
	ActionPlanCreated   = "plan_created"
	ActionPlanCancelled = "plan_cancelled"
)

// anonymousSessionKey buckets wallet-less web users together. Their
// accumulated fields are shared, which is acceptable for an anonymous
// preview flow; real plans require a wallet at confirmation time anyway.
const anonymousSessionKey = "anonymous"

const (
	malformedTokenReply  = "That confirmation didn't check out. Please rebuild the plan and try again."
	incompleteTokenReply = "That confirmation is missing plan details. Let's rebuild the plan from the start."
	walletRequiredReply  = "Please connect your wallet first, then confirm the plan."
	cancelledReply       = "No problem, I've discarded that plan. Tell me when you want to set up a new one."
	creationFailedReply  = "I couldn't reach the agent to create your plan. Nothing was created; please try confirming again in a moment."
	guardDeniedReply     = "That plan is outside the limits I'm allowed to create. Try a smaller amount or different tokens."
	planCreatedReply     = "Your DCA plan is live! I'll handle the recurring purchases from here."
)

// BridgeClient is the one bridge operation the orchestrator needs.
type BridgeClient interface {
	Call(ctx context.Context, instruction, userAddress string) (*bridge.Envelope, error)
}

var _ BridgeClient = (*bridge.Client)(nil)

// Config wires an orchestrator.
type Config struct {
	Bridge    BridgeClient
	Extractor *plan.Extractor
	Store     *plan.Store
	Guard     *plan.Guard
	Exporter  *metrics.Exporter
	Clock     func() time.Time
}

// Orchestrator glues the extractor, session store, token codec and bridge
// together. Agent failures never surface to the user as errors; they turn
// into locally generated replies.
type Orchestrator struct {
	bridge    BridgeClient
	extractor *plan.Extractor
	store     *plan.Store
	guard     *plan.Guard
	exporter  *metrics.Exporter
	now       func() time.Time
}

// NewOrchestrator builds the orchestrator, filling in rule-only extraction
// and a default store when the config leaves them out.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Extractor == nil {
		cfg.Extractor = plan.NewExtractor(cfg.Exporter)
	}
	if cfg.Store == nil {
		cfg.Store = plan.NewStore(plan.StoreConfig{Exporter: cfg.Exporter})
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{
		bridge:    cfg.Bridge,
		extractor: cfg.Extractor,
		store:     cfg.Store,
		guard:     cfg.Guard,
		exporter:  cfg.Exporter,
		now:       cfg.Clock,
	}
}

// Store exposes the session store for lifecycle management.
func (o *Orchestrator) Store() *plan.Store {
	return o.store
}

// Handle routes one message. The error return is reserved for context
// cancellation and programming errors; every domain outcome, including
// agent failures, comes back as a Response.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	sessionKey := o.sessionKey(req)

	if req.ConfirmationID != "" && (req.Action == ActionConfirm || req.Action == ActionCancel) {
		return o.handleConfirmation(ctx, req, sessionKey)
	}

	if message == "" {
		return &Response{Success: true, Response: helpReply}, nil
	}

	if reply, ok := smalltalkReply(message); ok {
		o.exporter.RecordFallbackReply("smalltalk")
		return &Response{Success: true, Response: reply}, nil
	}

	if o.store.IsPlanCreationIntent(message, sessionKey) {
		return o.handlePlanBuilding(ctx, message, req, sessionKey)
	}

	return o.handleGeneric(ctx, message, req.UserAddress), nil
}

// sessionKey picks the plan-session bucket: an explicit surface key, else
// the lowercased wallet address, else the shared anonymous bucket.
func (o *Orchestrator) sessionKey(req Request) string {
	if req.SessionKey != "" {
		return req.SessionKey
	}
	if wallet := strings.TrimSpace(req.UserAddress); wallet != "" {
		return strings.ToLower(wallet)
	}
	return anonymousSessionKey
}

func (o *Orchestrator) handleConfirmation(ctx context.Context, req Request, sessionKey string) (*Response, error) {
	planData, issuedAt, err := plan.DecodeToken(req.ConfirmationID)
	if err != nil {
		slog.Warn("chat.confirm.malformed_token", "error", err)
		return &Response{Success: false, Response: malformedTokenReply}, nil
	}

	if req.Action == ActionCancel {
		o.store.Clear(sessionKey)
		slog.Info("chat.confirm.cancelled", "session_key", sessionKey)
		return &Response{Success: true, Response: cancelledReply, Action: ActionPlanCancelled}, nil
	}

	wallet := strings.TrimSpace(req.UserAddress)
	if wallet == "" {
		slog.Info("chat.confirm.wallet_missing", "session_key", sessionKey)
		return &Response{Success: false, Response: walletRequiredReply}, nil
	}

	if res := plan.Evaluate(planData); !res.IsComplete {
		slog.Warn("chat.confirm.incomplete_plan", "missing", res.MissingFields)
		return &Response{Success: false, Response: incompleteTokenReply}, nil
	}

	if allowed, gerr := o.guard.Allow(planData); gerr != nil || !allowed {
		if gerr != nil {
			slog.Warn("chat.confirm.guard_error", "error", gerr)
		}
		return &Response{Success: false, Response: guardDeniedReply}, nil
	}

	slog.Info("chat.confirm.accepted",
		"session_key", sessionKey,
		"token_age_ms", o.now().Sub(issuedAt).Milliseconds(),
	)

	env, err := o.callBridge(ctx, creationInstruction(planData), wallet)
	if err != nil || env.Error != nil {
		if err != nil {
			slog.Warn("chat.confirm.bridge_failed", "class", bridge.Classify(err), "error", err)
		} else {
			slog.Warn("chat.confirm.agent_error", "code", env.Error.Code, "message", env.Error.Message)
		}
		o.exporter.RecordFallbackReply("bridge_failure")
		// The token stays usable; confirming again retries creation.
		return &Response{Success: false, Response: creationFailedReply}, nil
	}

	text, ok := env.TextContent()
	if !ok || strings.TrimSpace(text) == "" {
		text = planCreatedReply
	}

	o.store.Clear(sessionKey)
	return &Response{Success: true, Response: text, Action: ActionPlanCreated, Data: planData}, nil
}

func (o *Orchestrator) handlePlanBuilding(ctx context.Context, message string, req Request, sessionKey string) (*Response, error) {
	sess := o.store.GetOrCreate(sessionKey)
	o.store.AppendTranscript(sessionKey, plan.RoleUser, message)

	history := historyTurns(req.ConversationHistory)
	if len(history) == 0 {
		history = sess.Transcript
	}

	res := o.extractor.Extract(ctx, message, history, sess.Plan)
	o.store.MergeFields(sessionKey, res.Plan)

	if !res.IsComplete {
		reply := res.NextQuestion
		if len(res.ValidationErrors) > 0 {
			reply = strings.Join(res.ValidationErrors, ". ") + ". " + reply
		}
		o.store.AppendTranscript(sessionKey, plan.RoleAssistant, reply)
		return &Response{Success: true, Response: reply}, nil
	}

	if allowed, gerr := o.guard.Allow(res.Plan); gerr != nil || !allowed {
		if gerr != nil {
			slog.Warn("chat.plan.guard_error", "error", gerr)
		}
		o.store.AppendTranscript(sessionKey, plan.RoleAssistant, guardDeniedReply)
		return &Response{Success: true, Response: guardDeniedReply}, nil
	}

	token := plan.EncodeToken(res.Plan, o.now())
	summary := planSummary(res.Plan)
	o.store.AppendTranscript(sessionKey, plan.RoleAssistant, summary)

	slog.Info("chat.plan.awaiting_confirmation", "session_key", sessionKey)
	return &Response{
		Success:  true,
		Response: summary,
		Action:   ActionConfirmPlan,
		Data:     ConfirmationData{ConfirmationID: token, Plan: res.Plan},
	}, nil
}

// handleGeneric sends the message to the agent as-is. Any failure, agent
// error or unusable payload turns into a keyword-matched local reply.
func (o *Orchestrator) handleGeneric(ctx context.Context, message, userAddress string) *Response {
	env, err := o.callBridge(ctx, message, strings.TrimSpace(userAddress))
	if err != nil {
		slog.Warn("chat.bridge.failed", "class", bridge.Classify(err), "error", err)
		o.exporter.RecordFallbackReply("bridge_failure")
		return &Response{Success: true, Response: fallbackReply(message)}
	}
	if env.Error != nil {
		slog.Warn("chat.bridge.agent_error", "code", env.Error.Code, "message", env.Error.Message)
		o.exporter.RecordFallbackReply("bridge_failure")
		return &Response{Success: true, Response: fallbackReply(message)}
	}

	text, ok := env.TextContent()
	if !ok || strings.TrimSpace(text) == "" {
		slog.Warn("chat.bridge.empty_payload")
		o.exporter.RecordFallbackReply("bridge_failure")
		return &Response{Success: true, Response: fallbackReply(message)}
	}
	return &Response{Success: true, Response: text}
}

func (o *Orchestrator) callBridge(ctx context.Context, instruction, userAddress string) (*bridge.Envelope, error) {
	if o.bridge == nil {
		return nil, errors.New("bridge not configured")
	}
	started := time.Now()
	env, err := o.bridge.Call(ctx, instruction, userAddress)
	o.exporter.ObserveBridgeCall(bridge.Classify(err), time.Since(started))
	return env, err
}

func historyTurns(entries []HistoryEntry) []plan.Turn {
	if len(entries) == 0 {
		return nil
	}
	turns := make([]plan.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, plan.Turn{Role: e.Role, Content: e.Content})
	}
	return turns
}

var cadenceKeywords = map[string]struct{}{
	"hourly":  {},
	"daily":   {},
	"weekly":  {},
	"monthly": {},
}

func cadencePhrase(interval string) string {
	if _, ok := cadenceKeywords[interval]; ok {
		return interval
	}
	return "every " + interval
}

// creationInstruction renders the decoded plan as the imperative sentence
// the agent's dca-swapping tool expects.
func creationInstruction(p plan.PlanData) string {
	instruction := fmt.Sprintf("Create a DCA plan that swaps %s %s into %s %s for %s",
		p.Amount, p.FromToken, p.ToToken, cadencePhrase(p.Interval), p.Duration)
	if p.Slippage != "" {
		instruction += fmt.Sprintf(" with %s%% slippage", p.Slippage)
	}
	return instruction + "."
}

// planSummary renders the plan for the user, asking for confirmation.
func planSummary(p plan.PlanData) string {
	var b strings.Builder
	b.WriteString("Here's your DCA plan:\n")
	fmt.Fprintf(&b, "- Spend: %s %s\n", p.Amount, p.FromToken)
	fmt.Fprintf(&b, "- Buy: %s\n", p.ToToken)
	fmt.Fprintf(&b, "- Cadence: %s\n", cadencePhrase(p.Interval))
	fmt.Fprintf(&b, "- Duration: %s\n", p.Duration)
	if p.Slippage != "" {
		fmt.Fprintf(&b, "- Max slippage: %s%%\n", p.Slippage)
	}
	b.WriteString("Confirm to create it, or cancel to discard.")
	return b.String()
}
