// Package swipe runs swipe-style review sessions over a ranked track queue.
// A session serves its queue one track at a time; the user decides on exactly
// the track most recently served, and keep/snooze decisions are forwarded to
// the scoring overlays through an injected collaborator.
package swipe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrPrematureDecision is returned when deciding before any track was served.
	ErrPrematureDecision = errors.New("no track has been presented yet, call next first")

	// ErrTrackMismatch is returned when the decided track is not the one
	// most recently served.
	ErrTrackMismatch = errors.New("track mismatch")

	// ErrAlreadyDecided is returned, in single-decision mode, when the
	// current serve already has a decision.
	ErrAlreadyDecided = errors.New("track already decided")
)

// EndOfQueue is the sentinel track ID Next returns once the queue is drained.
// Exhaustion is a normal, repeatable signal, not an error.
const EndOfQueue = "-1"

// DefaultSnoozeDuration is the snooze deadline applied when a snooze decision
// carries no explicit one.
const DefaultSnoozeDuration = 7 * 24 * time.Hour

// Session is a bounded, cursor-tracked queue of candidate tracks for one user.
// QueueIndex only ever advances; the current track is QueueTracks[QueueIndex-1].
type Session struct {
	ID          string
	UserID      string
	QueueTracks []string
	QueueIndex  int
	Decided     bool
	CreatedAt   time.Time
}

// DecisionKind classifies a decision.
type DecisionKind string

// Decision kinds.
const (
	KindKeep   DecisionKind = "keep"
	KindSnooze DecisionKind = "snooze"
	KindAdd    DecisionKind = "add"
	KindCreate DecisionKind = "create"
)

// Decision is one row of the append-only decision log. Arg carries the
// kind-specific payload: empty for keep, the snooze deadline in Unix
// milliseconds for snooze, the target playlist ID for add, the new playlist
// title for create.
type Decision struct {
	ID        string
	SessionID string
	TrackID   string
	Kind      DecisionKind
	Arg       string
	DecidedAt time.Time
}

// SessionStore persists sessions keyed by session ID.
// Get returns (nil, nil) when the session does not exist. Advance must apply
// the queue-index increment atomically with respect to concurrent Advance
// calls on the same session: it returns the served track and exists=true, or
// ("", true, nil) when the queue is exhausted, or exists=false when the
// session is missing. Start rejects empty track IDs, so the empty string
// cannot collide with a queued track. Advancing also clears the session's
// decided flag.
type SessionStore interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Advance(ctx context.Context, id string) (trackID string, exists bool, err error)
	MarkDecided(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (bool, error)
}

// DecisionStore persists the append-only decision log.
type DecisionStore interface {
	Append(ctx context.Context, d *Decision) error
	ListForSession(ctx context.Context, sessionID string) ([]Decision, error)
}

// OverlayApplier receives keep/snooze decisions so they feed back into
// scoring. The scoring engine satisfies this without the session engine
// depending on it.
type OverlayApplier interface {
	Keep(ctx context.Context, userID, trackID string) error
	SnoozeUntil(ctx context.Context, userID, trackID string, until time.Time) error
}

// Service owns the session lifecycle: start, next/decide cycles, end.
type Service struct {
	sessions       SessionStore
	decisions      DecisionStore
	overlays       OverlayApplier
	singleDecision bool
	snoozeDuration time.Duration
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSingleDecision makes repeat decisions on an already-decided serve fail
// with ErrAlreadyDecided. By default repeats are permitted and append another
// decision row.
func WithSingleDecision() Option {
	return func(s *Service) {
		s.singleDecision = true
	}
}

// WithSnoozeDuration sets the deadline applied to snooze decisions that carry
// no explicit one.
func WithSnoozeDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.snoozeDuration = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a swipe session service. overlays may be nil, in which case
// keep/snooze decisions are only logged.
func New(sessions SessionStore, decisions DecisionStore, overlays OverlayApplier, opts ...Option) *Service {
	s := &Service{
		sessions:       sessions,
		decisions:      decisions,
		overlays:       overlays,
		snoozeDuration: DefaultSnoozeDuration,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a session over the given queue. Queue entries must be
// non-empty track IDs, so the EndOfQueue sentinel stays unambiguous. When
// size is positive the queue is truncated to size; a size larger than the
// queue is rejected.
func (s *Service) Start(ctx context.Context, userID string, queueTracks []string, size int) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	for i, trackID := range queueTracks {
		if trackID == "" {
			return "", fmt.Errorf("%w: queueTracks[%d] is an empty track ID", ErrInvalidInput, i)
		}
	}
	if size > 0 {
		if size > len(queueTracks) {
			return "", fmt.Errorf("%w: queueTracks length (%d) is less than the requested size (%d)",
				ErrInvalidInput, len(queueTracks), size)
		}
		queueTracks = queueTracks[:size]
	}

	sess := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		QueueTracks: slices.Clone(queueTracks),
		CreatedAt:   s.now(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return sess.ID, nil
}

// Next serves the next track in the queue and advances the cursor. Once the
// queue is drained it keeps returning EndOfQueue without side effects.
func (s *Service) Next(ctx context.Context, sessionID string) (string, error) {
	trackID, exists, err := s.sessions.Advance(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("advancing session: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if trackID == "" {
		return EndOfQueue, nil
	}
	return trackID, nil
}

// DecideKeep records a keep for the most recently served track and bumps its
// scoring boost.
func (s *Service) DecideKeep(ctx context.Context, sessionID, trackID string) (string, error) {
	return s.decide(ctx, sessionID, trackID, KindKeep, "", func(ctx context.Context, userID string) error {
		if s.overlays == nil {
			return nil
		}
		return s.overlays.Keep(ctx, userID, trackID)
	})
}

// DecideSnooze records a snooze for the most recently served track and
// forwards the deadline to scoring. A zero until resolves to the default
// snooze duration from now, so the log row always records when the snooze
// ends.
func (s *Service) DecideSnooze(ctx context.Context, sessionID, trackID string, until time.Time) (string, error) {
	if until.IsZero() {
		until = s.now().Add(s.snoozeDuration)
	}
	arg := fmt.Sprintf("%d", until.UnixMilli())
	return s.decide(ctx, sessionID, trackID, KindSnooze, arg, func(ctx context.Context, userID string) error {
		if s.overlays == nil {
			return nil
		}
		return s.overlays.SnoozeUntil(ctx, userID, trackID, until)
	})
}

// DecideAddToPlaylist records that the track should be added to an existing
// playlist. No scoring side effect.
func (s *Service) DecideAddToPlaylist(ctx context.Context, sessionID, trackID, playlistID string) (string, error) {
	if playlistID == "" {
		return "", fmt.Errorf("%w: playlistId cannot be empty", ErrInvalidInput)
	}
	return s.decide(ctx, sessionID, trackID, KindAdd, playlistID, nil)
}

// DecideCreatePlaylist records that a new playlist should be created for the
// track. No scoring side effect.
func (s *Service) DecideCreatePlaylist(ctx context.Context, sessionID, trackID, playlistTitle string) (string, error) {
	if playlistTitle == "" {
		return "", fmt.Errorf("%w: playlistTitle cannot be empty", ErrInvalidInput)
	}
	return s.decide(ctx, sessionID, trackID, KindCreate, playlistTitle, nil)
}

// End deletes the session. Returns whether a session row was actually
// removed; ending a missing or already-ended session is a no-op, not an error.
func (s *Service) End(ctx context.Context, sessionID string) (bool, error) {
	ended, err := s.sessions.Delete(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return ended, nil
}

// Decisions returns the decision log for a session in append order. The log
// outlives the session row itself.
func (s *Service) Decisions(ctx context.Context, sessionID string) ([]Decision, error) {
	decisions, err := s.decisions.ListForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	return decisions, nil
}

// decide validates the common preconditions in order (session exists, a track
// has been served, the decided track is the served one), appends the decision
// row, then forwards any scoring side effect.
func (s *Service) decide(ctx context.Context, sessionID, trackID string, kind DecisionKind, arg string, forward func(ctx context.Context, userID string) error) (string, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.QueueIndex == 0 {
		return "", ErrPrematureDecision
	}
	current := sess.QueueTracks[sess.QueueIndex-1]
	if trackID != current {
		return "", fmt.Errorf("%w: expected %s, but got %s", ErrTrackMismatch, current, trackID)
	}
	if s.singleDecision && sess.Decided {
		return "", fmt.Errorf("%w: %s", ErrAlreadyDecided, trackID)
	}

	d := &Decision{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TrackID:   trackID,
		Kind:      kind,
		Arg:       arg,
		DecidedAt: s.now(),
	}
	if err := s.decisions.Append(ctx, d); err != nil {
		return "", fmt.Errorf("appending decision: %w", err)
	}
	if s.singleDecision {
		if err := s.sessions.MarkDecided(ctx, sessionID); err != nil {
			return "", fmt.Errorf("marking decided: %w", err)
		}
	}

	if forward != nil {
		if err := forward(ctx, sess.UserID); err != nil {
			return "", fmt.Errorf("forwarding %s decision: %w", kind, err)
		}
	}
	return d.ID, nil
}
