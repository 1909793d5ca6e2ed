package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcast/dripcast/ai/bridge"
	"github.com/dripcast/dripcast/ai/plan"
)

type bridgeCall struct {
	instruction string
	userAddress string
}

type fakeBridge struct {
	mu    sync.Mutex
	calls []bridgeCall
	env   *bridge.Envelope
	err   error
}

func (f *fakeBridge) Call(_ context.Context, instruction, userAddress string) (*bridge.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bridgeCall{instruction: instruction, userAddress: userAddress})
	if f.err != nil {
		return nil, f.err
	}
	return f.env, nil
}

func (f *fakeBridge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBridge) lastCall(t *testing.T) bridgeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls, "expected at least one bridge call")
	return f.calls[len(f.calls)-1]
}

func textEnvelope(text string) *bridge.Envelope {
	payload, err := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		panic(err)
	}
	return &bridge.Envelope{JSONRPC: "2.0", ID: 1, Result: payload}
}

func testOrchestrator(t *testing.T, b BridgeClient, guardExpr string) *Orchestrator {
	t.Helper()
	store := plan.NewStore(plan.StoreConfig{SweepInterval: time.Hour})
	t.Cleanup(store.Stop)

	guard, err := plan.NewGuard(guardExpr)
	require.NoError(t, err)

	return NewOrchestrator(Config{
		Bridge: b,
		Store:  store,
		Guard:  guard,
	})
}

func completePlan() plan.PlanData {
	return plan.PlanData{
		FromToken: "USDC",
		ToToken:   "ETH",
		Amount:    "100",
		Interval:  "weekly",
		Duration:  "3 months",
	}
}

func TestHandleSmalltalkNeverTouchesBridge(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"greeting", "hi there!", greetingReply},
		{"thanks", "thanks, you rock", thanksReply},
		{"help", "help", helpReply},
		{"empty message", "   ", helpReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBridge{env: textEnvelope("should never be seen")}
			o := testOrchestrator(t, fb, "")

			resp, err := o.Handle(context.Background(), Request{Message: tt.message})
			require.NoError(t, err)

			assert.True(t, resp.Success)
			assert.Equal(t, tt.want, resp.Response)
			assert.Empty(t, resp.Action)
			assert.Zero(t, fb.callCount())
		})
	}
}

func TestHandleSmalltalkYieldsToDomainVocabulary(t *testing.T) {
	fb := &fakeBridge{env: textEnvelope("ETH is trading at $3,400.")}
	o := testOrchestrator(t, fb, "")

	resp, err := o.Handle(context.Background(), Request{Message: "hi, what is the price of eth?"})
	require.NoError(t, err)

	assert.Equal(t, "ETH is trading at $3,400.", resp.Response)
	assert.Equal(t, 1, fb.callCount())
}

func TestHandleGenericForwardsAgentReply(t *testing.T) {
	fb := &fakeBridge{env: textEnvelope("Your portfolio is up 4% this week.")}
	o := testOrchestrator(t, fb, "")

	resp, err := o.Handle(context.Background(), Request{
		Message:     "how is my portfolio doing?",
		UserAddress: "0xAbC",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "Your portfolio is up 4% this week.", resp.Response)
	assert.Equal(t, "0xAbC", fb.lastCall(t).userAddress)
}

func TestHandleGenericFallsBackOnBridgeFailure(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantKeyword string
	}{
		{"price question", "what is eth worth right now", "prices"},
		{"portfolio question", "show me my balance", "portfolio"},
		{"trade request", "swap half my usdc please", "executed"},
		{"anything else", "tell me a story", "trouble reaching"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBridge{err: bridge.ErrConnectTimeout}
			o := testOrchestrator(t, fb, "")

			resp, err := o.Handle(context.Background(), Request{Message: tt.message})
			require.NoError(t, err)

			assert.True(t, resp.Success, "bridge failures must not fail the chat request")
			assert.Contains(t, resp.Response, tt.wantKeyword)
		})
	}
}

func TestHandleGenericFallsBackOnAgentError(t *testing.T) {
	fb := &fakeBridge{env: &bridge.Envelope{
		JSONRPC: "2.0",
		ID:      1,
		Error:   &bridge.RPCError{Code: -32000, Message: "tool crashed"},
	}}
	o := testOrchestrator(t, fb, "")

	resp, err := o.Handle(context.Background(), Request{Message: "tell me a story"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotContains(t, resp.Response, "tool crashed", "raw agent errors never reach the user")
}

func TestHandleGenericFallsBackOnEmptyPayload(t *testing.T) {
	fb := &fakeBridge{env: &bridge.Envelope{JSONRPC: "2.0", ID: 1}}
	o := testOrchestrator(t, fb, "")

	resp, err := o.Handle(context.Background(), Request{Message: "tell me a story"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Contains(t, resp.Response, "trouble reaching")
}

func TestHandlePlanConversationEndToEnd(t *testing.T) {
	fb := &fakeBridge{env: textEnvelope("should not be called while building")}
	o := testOrchestrator(t, fb, "")
	ctx := context.Background()

	turns := []struct {
		message      string
		wantContains string
	}{
		{"I want to create a dca plan", "invest from"},
		{"usdc", "buy"},
		{"eth", "How much"},
		{"$100", "How often"},
		{"every week", "How long"},
	}
	for _, turn := range turns {
		resp, err := o.Handle(ctx, Request{Message: turn.message})
		require.NoError(t, err)
		require.True(t, resp.Success)
		assert.Empty(t, resp.Action)
		assert.Contains(t, resp.Response, turn.wantContains, "message %q", turn.message)
	}

	resp, err := o.Handle(ctx, Request{Message: "for 3 months"})
	require.NoError(t, err)

	require.Equal(t, ActionConfirmPlan, resp.Action)
	assert.Contains(t, resp.Response, "100 USDC")
	assert.Contains(t, resp.Response, "weekly")

	data, ok := resp.Data.(ConfirmationData)
	require.True(t, ok, "confirm_plan responses carry ConfirmationData")
	assert.Equal(t, completePlan(), data.Plan)

	decoded, _, err := plan.DecodeToken(data.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, completePlan(), decoded)

	assert.Zero(t, fb.callCount(), "no agent call happens before confirmation")
}

func TestHandlePlanOneShotMessage(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "")

	resp, err := o.Handle(context.Background(), Request{
		Message: "Invest 100 USDC into ETH weekly for 3 months",
	})
	require.NoError(t, err)

	require.Equal(t, ActionConfirmPlan, resp.Action)
	data, ok := resp.Data.(ConfirmationData)
	require.True(t, ok)
	assert.Equal(t, completePlan(), data.Plan)
	assert.Zero(t, fb.callCount())
}

func TestHandlePlanGuardDeniesOversizedPlan(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "amount <= 50.0")

	resp, err := o.Handle(context.Background(), Request{
		Message: "Invest 100 USDC into ETH weekly for 3 months",
	})
	require.NoError(t, err)

	assert.Equal(t, guardDeniedReply, resp.Response)
	assert.Empty(t, resp.Action, "denied plans never reach confirmation")
	assert.Zero(t, fb.callCount())
}

func TestHandleConfirmCreatesPlan(t *testing.T) {
	fb := &fakeBridge{env: textEnvelope("Plan #42 created.")}
	o := testOrchestrator(t, fb, "")

	// Simulate a session still holding the built fields.
	o.Store().MergeFields("0xabc", completePlan())
	token := plan.EncodeToken(completePlan(), time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionConfirm,
		UserAddress:    "0xAbC",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, ActionPlanCreated, resp.Action)
	assert.Equal(t, "Plan #42 created.", resp.Response)
	assert.Equal(t, completePlan(), resp.Data)

	call := fb.lastCall(t)
	assert.Equal(t, "0xAbC", call.userAddress)
	assert.Contains(t, call.instruction, "100 USDC into ETH")
	assert.Contains(t, call.instruction, "weekly")
	assert.Contains(t, call.instruction, "3 months")

	assert.False(t, o.Store().HasPartialData("0xabc"), "a created plan clears its session")
}

func TestHandleConfirmRequiresWallet(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "")
	token := plan.EncodeToken(completePlan(), time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionConfirm,
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, walletRequiredReply, resp.Response)
	assert.Zero(t, fb.callCount())
}

func TestHandleCancelDiscardsPlan(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "")

	o.Store().MergeFields("0xabc", completePlan())
	token := plan.EncodeToken(completePlan(), time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionCancel,
		UserAddress:    "0xAbC",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, ActionPlanCancelled, resp.Action)
	assert.Equal(t, cancelledReply, resp.Response)
	assert.Zero(t, fb.callCount())
	assert.False(t, o.Store().HasPartialData("0xabc"))
}

func TestHandleConfirmMalformedToken(t *testing.T) {
	for _, action := range []string{ActionConfirm, ActionCancel} {
		t.Run(action, func(t *testing.T) {
			fb := &fakeBridge{}
			o := testOrchestrator(t, fb, "")

			resp, err := o.Handle(context.Background(), Request{
				ConfirmationID: "please-just-do-it",
				Action:         action,
				UserAddress:    "0xAbC",
			})
			require.NoError(t, err)

			assert.False(t, resp.Success)
			assert.Equal(t, malformedTokenReply, resp.Response)
			assert.Zero(t, fb.callCount())
		})
	}
}

func TestHandleConfirmRejectsIncompleteTokenPlan(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "")
	token := plan.EncodeToken(plan.PlanData{FromToken: "USDC"}, time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionConfirm,
		UserAddress:    "0xAbC",
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, incompleteTokenReply, resp.Response)
	assert.Zero(t, fb.callCount())
}

func TestHandleConfirmBridgeFailureKeepsSession(t *testing.T) {
	fb := &fakeBridge{err: bridge.ErrResponseTimeout}
	o := testOrchestrator(t, fb, "")

	o.Store().MergeFields("0xabc", completePlan())
	token := plan.EncodeToken(completePlan(), time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionConfirm,
		UserAddress:    "0xAbC",
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, creationFailedReply, resp.Response)
	assert.Empty(t, resp.Action)
	assert.True(t, o.Store().HasPartialData("0xabc"),
		"a failed creation keeps the session so the user can confirm again")
}

func TestHandleConfirmGuardDenies(t *testing.T) {
	fb := &fakeBridge{}
	o := testOrchestrator(t, fb, "amount <= 50.0")
	token := plan.EncodeToken(completePlan(), time.Now())

	resp, err := o.Handle(context.Background(), Request{
		ConfirmationID: token,
		Action:         ActionConfirm,
		UserAddress:    "0xAbC",
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, guardDeniedReply, resp.Response)
	assert.Zero(t, fb.callCount())
}

func TestSessionKeySelection(t *testing.T) {
	o := testOrchestrator(t, &fakeBridge{}, "")

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"explicit surface key wins", Request{SessionKey: "telegram:42", UserAddress: "0xAbC"}, "telegram:42"},
		{"wallet is lowercased", Request{UserAddress: " 0xAbC "}, "0xabc"},
		{"anonymous bucket", Request{}, anonymousSessionKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.sessionKey(tt.req))
		})
	}
}

func TestCreationInstruction(t *testing.T) {
	p := completePlan()
	assert.Equal(t,
		"Create a DCA plan that swaps 100 USDC into ETH weekly for 3 months.",
		creationInstruction(p))

	p.Interval = "2 minutes"
	p.Slippage = "1"
	assert.Equal(t,
		"Create a DCA plan that swaps 100 USDC into ETH every 2 minutes for 3 months with 1% slippage.",
		creationInstruction(p))
}

func TestPlanSummary(t *testing.T) {
	summary := planSummary(completePlan())

	assert.Contains(t, summary, "Spend: 100 USDC")
	assert.Contains(t, summary, "Buy: ETH")
	assert.Contains(t, summary, "Cadence: weekly")
	assert.Contains(t, summary, "Duration: 3 months")
	assert.NotContains(t, summary, "slippage", "unset slippage stays out of the summary")
	assert.Contains(t, summary, "Confirm")
}
