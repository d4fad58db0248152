package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/justestif/go-spotify-replay/internal/db"
	"github.com/justestif/go-spotify-replay/internal/health"
	"github.com/justestif/go-spotify-replay/internal/library"
	"github.com/justestif/go-spotify-replay/internal/scoring"
	"github.com/justestif/go-spotify-replay/internal/swipe"
)

const (
	// DefaultAddr is the default server address.
	DefaultAddr = "127.0.0.1:8080"

	// RedirectURI must match the Spotify app configuration.
	RedirectURI = "http://127.0.0.1:8080/callback"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr         string
	ClientID     string
	ClientSecret string
	DB           *db.DB
}

// Server is the HTTP server for the application.
type Server struct {
	router   chi.Router
	server   *http.Server
	sessions *SessionStore
	handlers *Handlers
}

// NewServer creates a new web server wired to the database.
func NewServer(cfg ServerConfig) (*Server, error) {
	// Create Spotify authenticator
	auth := spotifyauth.New(
		spotifyauth.WithClientID(cfg.ClientID),
		spotifyauth.WithClientSecret(cfg.ClientSecret),
		spotifyauth.WithRedirectURL(RedirectURI),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserLibraryRead,
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopePlaylistReadPrivate,
			spotifyauth.ScopePlaylistModifyPublic,
			spotifyauth.ScopePlaylistModifyPrivate,
		),
	)

	sessions := NewSessionStore()

	scorer := scoring.New(scoring.Stores{
		Weights:  cfg.DB.Weights(),
		Stats:    cfg.DB.Stats(),
		Overlays: cfg.DB.Overlays(),
		Library:  cfg.DB.Library(),
	})
	swiper := swipe.New(cfg.DB.Sessions(), cfg.DB.Decisions(), scorer)
	librarian := library.New(cfg.DB.Library())
	healthRepo := cfg.DB.Health()
	checker := health.New(healthRepo.Snapshots(), healthRepo.Reports(), cfg.DB.Library())

	handlers := NewHandlers(auth, sessions, HandlerServices{
		Scoring: scorer,
		Swipe:   swiper,
		Library: librarian,
		Health:  checker,
		DB:      cfg.DB,
	})

	router := chi.NewRouter()

	s := &Server{
		router:   router,
		sessions: sessions,
		handlers: handlers,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the application.
func (s *Server) setupRoutes() {
	// Auth routes
	s.router.Get("/auth/login", s.handlers.Login)
	s.router.Get("/callback", s.handlers.Callback)
	s.router.Post("/auth/logout", s.handlers.Logout)

	// API routes require an authenticated session
	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.handlers.RequireSession)

		r.Post("/library/sync", s.handlers.SyncLibrary)

		r.Post("/scoring/ingest", s.handlers.Ingest)
		r.Get("/scoring/preview", s.handlers.Preview)
		r.Get("/scoring/score/{trackID}", s.handlers.Score)
		r.Put("/scoring/weights", s.handlers.UpdateWeights)
		r.Put("/scoring/stats", s.handlers.UpdateStats)
		r.Post("/scoring/keep/{trackID}", s.handlers.Keep)
		r.Post("/scoring/snooze/{trackID}", s.handlers.Snooze)

		r.Post("/swipe/sessions", s.handlers.StartSwipe)
		r.Post("/swipe/sessions/{sessionID}/next", s.handlers.NextTrack)
		r.Post("/swipe/sessions/{sessionID}/decide", s.handlers.Decide)
		r.Delete("/swipe/sessions/{sessionID}", s.handlers.EndSwipe)
		r.Get("/swipe/sessions/{sessionID}/decisions", s.handlers.ListDecisions)
		r.Post("/swipe/sessions/{sessionID}/apply", s.handlers.ApplyDecisions)

		r.Post("/health/snapshots", s.handlers.TakeSnapshot)
		r.Post("/health/analyze", s.handlers.AnalyzeSnapshot)
		r.Get("/health/reports/{reportID}", s.handlers.GetReport)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting server at http://%s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and handles graceful shutdown on interrupt signals.
func (s *Server) Run() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Println("Shutting down server...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}
