package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentScript describes how the fake agent behaves for one test.
type agentScript struct {
	handshakeCode    int      // non-200 rejects the SSE handshake; 0 means 200
	announce         []string // chunks written and flushed at stream start
	endAfterAnnounce bool     // close the stream right after the announcement

	postCode  int      // 0 means 202
	ack       string   // "" means "Accepted"
	frames    []string // data payloads emitted once the POST arrives
	endStream bool     // close the stream after the frames
}

type postCapture struct {
	sessionID string
	body      []byte
}

type fakeAgent struct {
	*httptest.Server
	posts   chan postCapture
	gotPost chan struct{}
}

func defaultAnnounce(sessionID string) []string {
	return []string{"event: endpoint\ndata: /messages?sessionId=" + sessionID + "\n\n"}
}

func newFakeAgent(t *testing.T, script agentScript) *fakeAgent {
	t.Helper()

	fa := &fakeAgent{
		posts:   make(chan postCapture, 4),
		gotPost: make(chan struct{}, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if script.handshakeCode != 0 && script.handshakeCode != http.StatusOK {
			w.WriteHeader(script.handshakeCode)
			_, _ = io.WriteString(w, "agent unavailable")
			return
		}

		fl, ok := w.(http.Flusher)
		require.True(t, ok, "test server must support flushing")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		for _, chunk := range script.announce {
			_, _ = io.WriteString(w, chunk)
			fl.Flush()
		}
		if script.endAfterAnnounce {
			return
		}

		select {
		case <-fa.gotPost:
		case <-r.Context().Done():
			return
		}

		for _, frame := range script.frames {
			_, _ = io.WriteString(w, "data: "+frame+"\n\n")
			fl.Flush()
		}
		if script.endStream {
			return
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fa.posts <- postCapture{sessionID: r.URL.Query().Get("sessionId"), body: body}

		code := script.postCode
		if code == 0 {
			code = http.StatusAccepted
		}
		ack := script.ack
		if ack == "" {
			ack = "Accepted"
		}
		w.WriteHeader(code)
		_, _ = io.WriteString(w, ack)
		fa.gotPost <- struct{}{}
	})

	fa.Server = httptest.NewServer(mux)
	t.Cleanup(fa.Server.Close)
	return fa
}

func (fa *fakeAgent) lastPost(t *testing.T) postCapture {
	t.Helper()
	select {
	case p := <-fa.posts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no POST reached the agent")
		return postCapture{}
	}
}

func testClient(fa *fakeAgent, connect, response time.Duration) *Client {
	return NewClient(Config{
		BaseURL:         fa.URL,
		ConnectTimeout:  connect,
		ResponseTimeout: response,
	})
}

func TestConnectDiscoversSessionAcrossChunks(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce: []string{
			": welcome\n",
			"event: endpoint\nda",
			"ta: /messages?sessionId=ab",
			"c-123\n\n",
		},
	})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer sess.Stream.Close()

	assert.Equal(t, "abc-123", sess.ID)
}

func TestConnectTimesOutWithoutSessionLine(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce: []string{": ping\n"},
	})
	c := testClient(fa, 80*time.Millisecond, 2*time.Second)

	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectTimeout)
}

func TestConnectRejectsBadHandshake(t *testing.T) {
	fa := newFakeAgent(t, agentScript{handshakeCode: http.StatusServiceUnavailable})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestConnectSessionNotFoundWhenStreamEnds(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce:         []string{": hello\n"},
		endAfterAnnounce: true,
	})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCallMatchesResponseByID(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce: defaultAnnounce("sess-1"),
		frames: []string{
			`{"jsonrpc":"2.0","id":999,"result":{"content":[{"type":"text","text":"stale"}]}}`,
			"not even json",
			"/messages?sessionId=sess-1",
			`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"DCA plan created"}]}}`,
		},
	})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	env, err := c.Call(context.Background(), "create my plan", "0xAbC")
	require.NoError(t, err)
	require.EqualValues(t, 1, env.ID)

	text, ok := env.TextContent()
	require.True(t, ok)
	assert.Equal(t, "DCA plan created", text)

	post := fa.lastPost(t)
	assert.Equal(t, "sess-1", post.sessionID)

	var sent rpcRequest
	require.NoError(t, json.Unmarshal(post.body, &sent))
	assert.Equal(t, jsonrpcVersion, sent.JSONRPC)
	assert.EqualValues(t, 1, sent.ID)
	assert.Equal(t, methodToolsCall, sent.Method)
	assert.Equal(t, agentToolName, sent.Params.Name)
	assert.Equal(t, "create my plan", sent.Params.Arguments.Instruction)
	assert.Equal(t, "0xAbC", sent.Params.Arguments.UserAddress)
}

func TestCallTimesOutWaitingForResponse(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce: defaultAnnounce("sess-1"),
	})
	c := testClient(fa, 2*time.Second, 80*time.Millisecond)

	_, err := c.Call(context.Background(), "anything", "")
	require.ErrorIs(t, err, ErrResponseTimeout)
}

func TestCallStreamEndedBeforeResponse(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce:  defaultAnnounce("sess-1"),
		endStream: true,
	})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	_, err := c.Call(context.Background(), "anything", "")
	require.ErrorIs(t, err, ErrStreamEnded)
}

func TestCallReturnsSynchronousBody(t *testing.T) {
	t.Run("plain text body", func(t *testing.T) {
		fa := newFakeAgent(t, agentScript{
			announce: defaultAnnounce("sess-1"),
			postCode: http.StatusOK,
			ack:      "The agent is busy; try again shortly.",
		})
		c := testClient(fa, 2*time.Second, 2*time.Second)

		env, err := c.Call(context.Background(), "anything", "")
		require.NoError(t, err)

		text, ok := env.TextContent()
		require.True(t, ok)
		assert.Equal(t, "The agent is busy; try again shortly.", text)
	})

	t.Run("json envelope body", func(t *testing.T) {
		fa := newFakeAgent(t, agentScript{
			announce: defaultAnnounce("sess-1"),
			postCode: http.StatusOK,
			ack:      `{"jsonrpc":"2.0","id":0,"result":{"content":[{"type":"text","text":"sync answer"}]}}`,
		})
		c := testClient(fa, 2*time.Second, 2*time.Second)

		env, err := c.Call(context.Background(), "anything", "")
		require.NoError(t, err)

		text, ok := env.TextContent()
		require.True(t, ok)
		assert.Equal(t, "sync answer", text)
	})
}

func TestCallRejectsPostErrorStatus(t *testing.T) {
	fa := newFakeAgent(t, agentScript{
		announce: defaultAnnounce("sess-1"),
		postCode: http.StatusInternalServerError,
		ack:      "boom",
	})
	c := testClient(fa, 2*time.Second, 2*time.Second)

	_, err := c.Call(context.Background(), "anything", "")
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestEnvelopeTextContent(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
		want     string
		ok       bool
	}{
		{
			name:     "first text entry wins",
			envelope: Envelope{Result: json.RawMessage(`{"content":[{"type":"image","text":""},{"type":"text","text":"hello"}]}`)},
			want:     "hello",
			ok:       true,
		},
		{
			name:     "message fallback",
			envelope: Envelope{Result: json.RawMessage(`{"message":"done"}`)},
			want:     "done",
			ok:       true,
		},
		{
			name:     "error envelope has no text",
			envelope: Envelope{Error: &RPCError{Code: -32000, Message: "nope"}},
		},
		{
			name:     "empty result",
			envelope: Envelope{},
		},
		{
			name:     "unparsable result",
			envelope: Envelope{Result: json.RawMessage(`"just a string"`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.envelope.TextContent()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil is ok", nil, "ok"},
		{"connect timeout", ErrConnectTimeout, "connect_timeout"},
		{"connect failed", ErrConnectFailed, "connect_failed"},
		{"session not found", ErrSessionNotFound, "session_not_found"},
		{"response timeout", ErrResponseTimeout, "response_timeout"},
		{"stream ended", ErrStreamEnded, "stream_ended"},
		{"canceled context", context.Canceled, "canceled"},
		{"anything else", io.ErrUnexpectedEOF, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
