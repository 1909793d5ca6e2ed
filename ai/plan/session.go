package plan

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dripcast/dripcast/ai/metrics"
)

const (
	// DefaultSessionTTL is the inactivity window after which a session's
	// accumulated fields are discarded.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweep evicts
	// expired sessions.
	DefaultSweepInterval = 10 * time.Minute

	// transcriptCap bounds the per-session transcript; appending past it
	// drops the oldest entry.
	transcriptCap = 10
)

// Session accumulates plan fields and conversation turns for one session key.
type Session struct {
	Key          string
	Plan         PlanData
	Transcript   []Turn
	LastActiveAt time.Time
}

// StoreConfig configures the session store.
type StoreConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time // defaults to time.Now
	Exporter      *metrics.Exporter
}

// Store maps session keys (lowercased wallet address, or an anonymous or
// surface-specific bucket) to in-flight plan sessions. One session per key;
// the sweep timer and request handlers run concurrently, so every access
// goes through the mutex. Expired sessions are also replaced lazily on
// access, so a key is never served stale fields even between sweeps.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	exporter   *metrics.Exporter

	done     chan struct{}
	stopOnce sync.Once
}

// NewStore creates the store and starts its background sweep.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Store{
		sessions:   make(map[string]*Session),
		ttl:        cfg.TTL,
		sweepEvery: cfg.SweepInterval,
		now:        cfg.Clock,
		exporter:   cfg.Exporter,
		done:       make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Stop halts the background sweep. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if evicted := s.sweepExpired(); evicted > 0 {
				slog.Debug("plan.sessions.swept", "evicted", evicted)
			}
		case <-s.done:
			return
		}
	}
}

// sweepExpired evicts every expired session and returns how many went.
func (s *Store) sweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.LastActiveAt) > s.ttl {
			delete(s.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.exporter.AddSweptSessions(evicted)
	}
	s.exporter.SetActiveSessions(len(s.sessions))
	return evicted
}

// GetOrCreate returns a snapshot of the key's session, creating a fresh one
// if none exists or the existing one sat idle past the TTL. Accessing a
// session marks it active.
func (s *Store) GetOrCreate(key string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(key)
	sess.LastActiveAt = s.now()
	return snapshot(sess)
}

// MergeFields overlays update onto the session's accumulated plan and
// returns the new state.
func (s *Store) MergeFields(key string, update PlanData) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(key)
	sess.Plan = sess.Plan.Merge(update)
	sess.LastActiveAt = s.now()
	return snapshot(sess)
}

// AppendTranscript records one turn, dropping the oldest entry past the cap.
func (s *Store) AppendTranscript(key, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(key)
	now := s.now()
	sess.Transcript = append(sess.Transcript, Turn{Role: role, Content: content, At: now})
	if len(sess.Transcript) > transcriptCap {
		sess.Transcript = sess.Transcript[len(sess.Transcript)-transcriptCap:]
	}
	sess.LastActiveAt = now
}

// HasPartialData reports whether the key has a live session with at least
// one accumulated field. It does not refresh the session's activity.
func (s *Store) HasPartialData(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	return ok && s.now().Sub(sess.LastActiveAt) <= s.ttl && !sess.Plan.IsZero()
}

// hasProgress reports whether the key has a live session the plan flow has
// touched, either with accumulated fields or transcript turns. Only the plan
// flow writes the transcript, so a non-empty transcript means plan building
// is underway even when the opener carried no extractable field.
func (s *Store) hasProgress(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok || s.now().Sub(sess.LastActiveAt) > s.ttl {
		return false
	}
	return !sess.Plan.IsZero() || len(sess.Transcript) > 0
}

// Clear removes the key's session entirely.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	s.exporter.SetActiveSessions(len(s.sessions))
}

// ActiveCount returns how many sessions are currently held, expired or not.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) getOrCreateLocked(key string) *Session {
	now := s.now()
	if sess, ok := s.sessions[key]; ok {
		if now.Sub(sess.LastActiveAt) <= s.ttl {
			return sess
		}
		// Idle too long: prior fields and transcript are discarded, not
		// archived.
	}
	sess := &Session{Key: key, LastActiveAt: now}
	s.sessions[key] = sess
	s.exporter.SetActiveSessions(len(s.sessions))
	return sess
}

func snapshot(sess *Session) Session {
	cp := *sess
	cp.Transcript = append([]Turn(nil), sess.Transcript...)
	return cp
}

// Plan-creation intent vocabulary.
var strongIntentPhrases = []string{
	"create plan", "create a plan", "create dca", "create a dca",
	"set up a plan", "set up plan", "setup a plan", "setup plan",
	"set up dca", "setup dca", "start a plan", "start dca",
	"new plan", "dca plan", "investment plan", "start investing",
}

var creationVerbs = map[string]struct{}{
	"create":   {},
	"start":    {},
	"setup":    {},
	"begin":    {},
	"make":     {},
	"invest":   {},
	"automate": {},
}

var investmentNouns = map[string]struct{}{
	"plan":       {},
	"dca":        {},
	"investment": {},
	"investing":  {},
	"strategy":   {},
}

// IsPlanCreationIntent decides whether a message (from the given session
// key) belongs to the plan-building flow. Strong phrases always win. A
// session the plan flow has already touched makes intent sticky: whatever
// the user says next is treated as part of building the plan, so bare
// answers like "usdc" land on the question that was just asked. Otherwise
// the message needs both a creation verb and an investment subject (a noun
// from the vocabulary or a known token symbol).
func (s *Store) IsPlanCreationIntent(message, key string) bool {
	text := strings.ToLower(message)
	for _, phrase := range strongIntentPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}

	if key != "" && s.hasProgress(key) {
		return true
	}

	var hasVerb, hasSubject bool
	for _, w := range splitWords(text) {
		if _, ok := creationVerbs[w]; ok {
			hasVerb = true
		}
		if _, ok := investmentNouns[w]; ok {
			hasSubject = true
		}
		if _, ok := NormalizeToken(w); ok {
			hasSubject = true
		}
	}
	return hasVerb && hasSubject
}
