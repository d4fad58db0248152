package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/justestif/go-spotify-replay/internal/db"
	"github.com/justestif/go-spotify-replay/internal/health"
	"github.com/justestif/go-spotify-replay/internal/library"
	"github.com/justestif/go-spotify-replay/internal/scoring"
	"github.com/justestif/go-spotify-replay/internal/spotify"
	"github.com/justestif/go-spotify-replay/internal/swipe"
)

type contextKey string

const sessionContextKey contextKey = "session"

// HandlerServices bundles the services the handlers dispatch to.
type HandlerServices struct {
	Scoring *scoring.Service
	Swipe   *swipe.Service
	Library *library.Service
	Health  *health.Service
	DB      *db.DB
}

// Handlers contains HTTP handlers for the application.
type Handlers struct {
	auth     *spotifyauth.Authenticator
	sessions *SessionStore
	svc      HandlerServices
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(auth *spotifyauth.Authenticator, sessions *SessionStore, svc HandlerServices) *Handlers {
	return &Handlers{
		auth:     auth,
		sessions: sessions,
		svc:      svc,
	}
}

// ============================================================================
// Auth
// ============================================================================

// Login initiates the Spotify OAuth flow (GET /auth/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	// Generate state for CSRF protection
	state, err := generateOAuthState()
	if err != nil {
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	// Store state in cookie for validation on callback
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	url := h.auth.AuthURL(state)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback).
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil {
		http.Error(w, "Missing state cookie", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	if state != stateCookie.Value {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, fmt.Sprintf("Spotify auth error: %s", errMsg), http.StatusBadRequest)
		return
	}

	token, err := h.auth.Token(r.Context(), state, r)
	if err != nil {
		http.Error(w, "Failed to get token", http.StatusInternalServerError)
		return
	}

	client := spotifyapi.New(h.auth.Client(r.Context(), token))
	user, err := client.CurrentUser(r.Context())
	if err != nil {
		http.Error(w, "Failed to get user info", http.StatusInternalServerError)
		return
	}

	session, err := h.sessions.Create(token, string(user.ID), user.DisplayName)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	h.sessions.SetCookie(w, session)
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Logout clears the session (POST /auth/logout).
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session != nil {
		h.sessions.Delete(session.ID)
	}

	h.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// RequireSession rejects requests without a valid session cookie and stores
// the session on the request context.
func (h *Handlers) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.sessions.GetFromRequest(r)
		if session == nil {
			respondError(w, http.StatusUnauthorized, errors.New("not logged in"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) *Session {
	session, _ := r.Context().Value(sessionContextKey).(*Session)
	return session
}

// spotifyClient builds an API client from the session's token.
func (h *Handlers) spotifyClient(r *http.Request) *spotify.Client {
	session := sessionFrom(r)
	return spotify.New(spotifyapi.New(h.auth.Client(r.Context(), session.Token)))
}

// generateOAuthState creates a random state string for OAuth.
func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ============================================================================
// Library
// ============================================================================

// SyncLibrary pulls the user's library from Spotify into the cache
// (POST /api/library/sync). Pass ?force=true to bypass the sync cooldown.
func (h *Handlers) SyncLibrary(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	force := r.URL.Query().Get("force") == "true"

	result, err := h.svc.Library.Sync(r.Context(), h.spotifyClient(r), session.UserID, force)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tracks":    result.Tracks,
		"likes":     result.Likes,
		"plays":     result.Plays,
		"playlists": result.Playlists,
		"syncedAt":  result.SyncedAt.Format(time.RFC3339),
	})
}

// ============================================================================
// Scoring
// ============================================================================

// Ingest seeds track stats from the cached library (POST /api/scoring/ingest).
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	result, err := h.svc.Scoring.IngestFromLibraryCache(r.Context(), session.UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"ingested":       result.Ingested,
		"ensuredWeights": result.EnsuredWeights,
	})
}

// Preview returns the ranked track queue (GET /api/scoring/preview?size=N).
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid size %q", raw))
			return
		}
		size = n
	}

	tracks, source, err := h.svc.Scoring.Preview(r.Context(), session.UserID, size)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tracks": tracks,
		"source": source,
	})
}

// Score returns one track's staleness score (GET /api/scoring/score/{trackID}).
func (h *Handlers) Score(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	trackID := chi.URLParam(r, "trackID")

	score, err := h.svc.Scoring.Score(r.Context(), session.UserID, trackID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"trackId": trackID,
		"score":   score,
	})
}

// UpdateWeights replaces the user's scoring weights (PUT /api/scoring/weights).
// All three weight fields are required; absent fields are rejected rather than
// zeroed.
func (h *Handlers) UpdateWeights(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req struct {
		LastPlayed   *float64 `json:"lastPlayed"`
		LikedWhen    *float64 `json:"likedWhen"`
		TimesSkipped *float64 `json:"timesSkipped"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	if req.LastPlayed == nil || req.LikedWhen == nil || req.TimesSkipped == nil {
		respondError(w, http.StatusBadRequest, errors.New("lastPlayed, likedWhen and timesSkipped are required"))
		return
	}

	err := h.svc.Scoring.UpdateWeights(r.Context(), scoring.Weights{
		UserID:       session.UserID,
		LastPlayed:   *req.LastPlayed,
		LikedWhen:    *req.LikedWhen,
		TimesSkipped: *req.TimesSkipped,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// UpdateStats replaces one track's stats (PUT /api/scoring/stats).
func (h *Handlers) UpdateStats(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req struct {
		TrackID      *string    `json:"trackId"`
		LastPlayedAt *time.Time `json:"lastPlayedAt"`
		LikedAt      *time.Time `json:"likedAt"`
		TimesSkipped *int       `json:"timesSkipped"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	if req.TrackID == nil || req.LastPlayedAt == nil || req.LikedAt == nil || req.TimesSkipped == nil {
		respondError(w, http.StatusBadRequest, errors.New("trackId, lastPlayedAt, likedAt and timesSkipped are required"))
		return
	}

	err := h.svc.Scoring.UpdateStats(r.Context(), scoring.TrackStats{
		UserID:       session.UserID,
		TrackID:      *req.TrackID,
		LastPlayedAt: *req.LastPlayedAt,
		LikedAt:      *req.LikedAt,
		TimesSkipped: *req.TimesSkipped,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// Keep boosts a track (POST /api/scoring/keep/{trackID}).
func (h *Handlers) Keep(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	trackID := chi.URLParam(r, "trackID")

	if err := h.svc.Scoring.Keep(r.Context(), session.UserID, trackID); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"kept": true})
}

// Snooze masks a track's score (POST /api/scoring/snooze/{trackID}). The
// optional body field "until" sets an explicit deadline; otherwise the default
// snooze duration applies.
func (h *Handlers) Snooze(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	trackID := chi.URLParam(r, "trackID")

	var req struct {
		Until *time.Time `json:"until"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
			return
		}
	}

	var until time.Time
	if req.Until != nil {
		until = *req.Until
	}

	if err := h.svc.Scoring.SnoozeUntil(r.Context(), session.UserID, trackID, until); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"snoozed": true})
}

// ============================================================================
// Swipe
// ============================================================================

// StartSwipe opens a swipe session (POST /api/swipe/sessions). The queue
// comes from the request body when given, otherwise from the current preview.
func (h *Handlers) StartSwipe(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req struct {
		QueueTracks []string `json:"queueTracks"`
		Size        int      `json:"size"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
			return
		}
	}

	queue := req.QueueTracks
	size := req.Size
	if len(queue) == 0 {
		// Preview already truncates to size, so the whole result is the queue.
		preview, _, err := h.svc.Scoring.Preview(r.Context(), session.UserID, size)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		queue = preview
		size = 0
	}

	sessionID, err := h.svc.Swipe.Start(r.Context(), session.UserID, queue, size)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"sessionId": sessionID})
}

// NextTrack serves the next queued track (POST /api/swipe/sessions/{sessionID}/next).
// Serves "-1" once the queue is exhausted.
func (h *Handlers) NextTrack(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	trackID, err := h.svc.Swipe.Next(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"trackId": trackID})
}

// Decide records a decision for the current track
// (POST /api/swipe/sessions/{sessionID}/decide).
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		TrackID    string     `json:"trackId"`
		Kind       string     `json:"kind"`
		Until      *time.Time `json:"until"`
		PlaylistID string     `json:"playlistId"`
		Title      string     `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}

	var decisionID string
	var err error
	switch swipe.DecisionKind(req.Kind) {
	case swipe.KindKeep:
		decisionID, err = h.svc.Swipe.DecideKeep(r.Context(), sessionID, req.TrackID)
	case swipe.KindSnooze:
		var until time.Time
		if req.Until != nil {
			until = *req.Until
		}
		decisionID, err = h.svc.Swipe.DecideSnooze(r.Context(), sessionID, req.TrackID, until)
	case swipe.KindAdd:
		decisionID, err = h.svc.Swipe.DecideAddToPlaylist(r.Context(), sessionID, req.TrackID, req.PlaylistID)
	case swipe.KindCreate:
		decisionID, err = h.svc.Swipe.DecideCreatePlaylist(r.Context(), sessionID, req.TrackID, req.Title)
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown decision kind %q", req.Kind))
		return
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"decisionId": decisionID})
}

// EndSwipe closes a session (DELETE /api/swipe/sessions/{sessionID}).
// Ending an already-ended session reports ended=false.
func (h *Handlers) EndSwipe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ended, err := h.svc.Swipe.End(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"ended": ended})
}

type decisionResponse struct {
	ID        string    `json:"id"`
	TrackID   string    `json:"trackId"`
	Kind      string    `json:"kind"`
	Arg       string    `json:"arg,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// ListDecisions returns a session's decision log
// (GET /api/swipe/sessions/{sessionID}/decisions).
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	decisions, err := h.svc.Swipe.Decisions(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	out := make([]decisionResponse, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, decisionResponse{
			ID:        d.ID,
			TrackID:   d.TrackID,
			Kind:      string(d.Kind),
			Arg:       d.Arg,
			DecidedAt: d.DecidedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

// ApplyDecisions pushes a session's playlist decisions to Spotify
// (POST /api/swipe/sessions/{sessionID}/apply). Add decisions append to their
// target playlist; create decisions sharing a title land in one new playlist.
func (h *Handlers) ApplyDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	decisions, err := h.svc.Swipe.Decisions(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	adds := make(map[string][]string)    // playlist ID -> track IDs
	creates := make(map[string][]string) // title -> track IDs
	var createOrder []string
	for _, d := range decisions {
		switch d.Kind {
		case swipe.KindAdd:
			adds[d.Arg] = append(adds[d.Arg], d.TrackID)
		case swipe.KindCreate:
			if _, ok := creates[d.Arg]; !ok {
				createOrder = append(createOrder, d.Arg)
			}
			creates[d.Arg] = append(creates[d.Arg], d.TrackID)
		}
	}

	client := h.spotifyClient(r)
	applied := 0
	created := make([]string, 0, len(createOrder))

	for playlistID, trackIDs := range adds {
		if err := client.AddTracksToPlaylist(r.Context(), playlistID, trackIDs); err != nil {
			respondServiceError(w, err)
			return
		}
		applied += len(trackIDs)
	}

	for _, title := range createOrder {
		playlistID, err := client.CreatePlaylist(r.Context(), title, "Created by Spotify Replay", false)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		if err := client.AddTracksToPlaylist(r.Context(), playlistID, creates[title]); err != nil {
			respondServiceError(w, err)
			return
		}
		applied += len(creates[title])
		created = append(created, playlistID)
	}

	log.Printf("Applied %d playlist decisions for session %s", applied, sessionID)

	respondJSON(w, http.StatusOK, map[string]any{
		"applied":          applied,
		"createdPlaylists": created,
	})
}

// ============================================================================
// Playlist health
// ============================================================================

// TakeSnapshot captures a playlist's track list (POST /api/health/snapshots).
// Track IDs come from the request body when given, otherwise from the cached
// playlist.
func (h *Handlers) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req struct {
		PlaylistID string   `json:"playlistId"`
		TrackIDs   []string `json:"trackIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}

	trackIDs := req.TrackIDs
	if len(trackIDs) == 0 && req.PlaylistID != "" {
		cached, err := h.svc.DB.Library().PlaylistTracks(r.Context(), req.PlaylistID)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		trackIDs = cached
	}

	snapshotID, err := h.svc.Health.Snapshot(r.Context(), req.PlaylistID, session.UserID, trackIDs)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"snapshotId": snapshotID})
}

// AnalyzeSnapshot scans a snapshot and stores a report
// (POST /api/health/analyze).
func (h *Handlers) AnalyzeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlaylistID string    `json:"playlistId"`
		SnapshotID uuid.UUID `json:"snapshotId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}

	reportID, err := h.svc.Health.Analyze(r.Context(), req.PlaylistID, req.SnapshotID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"reportId": reportID})
}

type findingResponse struct {
	Idx     int    `json:"idx"`
	TrackID string `json:"trackId"`
	Kind    string `json:"kind"`
}

// GetReport retrieves a health report (GET /api/health/reports/{reportID}).
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	reportID, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid report ID: %w", err))
		return
	}

	report, err := h.svc.Health.GetReport(r.Context(), reportID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	findings := make([]findingResponse, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, findingResponse{
			Idx:     f.Idx,
			TrackID: f.TrackID,
			Kind:    string(f.Kind),
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"reportId":   report.ID,
		"playlistId": report.PlaylistID,
		"snapshotId": report.SnapshotID,
		"scannedAt":  report.ScannedAt.Format(time.RFC3339),
		"findings":   findings,
	})
}

// ============================================================================
// Responses
// ============================================================================

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// respondServiceError maps service errors to HTTP status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scoring.ErrInvalidInput),
		errors.Is(err, swipe.ErrInvalidInput),
		errors.Is(err, health.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, swipe.ErrNotFound),
		errors.Is(err, health.ErrNotFound),
		errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, swipe.ErrPrematureDecision),
		errors.Is(err, swipe.ErrTrackMismatch),
		errors.Is(err, swipe.ErrAlreadyDecided):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, library.ErrSyncTooRecent):
		respondError(w, http.StatusTooManyRequests, err)
	default:
		log.Printf("internal error: %v", err)
		respondError(w, http.StatusInternalServerError, err)
	}
}
