package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/detection"
	"github.com/driftlane/cloakd/internal/engine"
	"github.com/driftlane/cloakd/internal/fingerprint"
)

// Cookie lifetime for the visitor id and fingerprint hash cookies.
const cookieMaxAge = 180 * 24 * 3600

// Server exposes the public decision endpoint and the fingerprint ingest
// API. Admin CRUD lives elsewhere; this surface is visitor-facing only.
type Server struct {
	engine   *engine.Engine
	fps      *fingerprint.Store
	analyzer *fingerprint.Analyzer
	tokens   *engine.Tokens
	log      zerolog.Logger
}

func NewServer(eng *engine.Engine, fps *fingerprint.Store, analyzer *fingerprint.Analyzer, tokens *engine.Tokens, log zerolog.Logger) *Server {
	return &Server{
		engine:   eng,
		fps:      fps,
		analyzer: analyzer,
		tokens:   tokens,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/c/{slug}", s.handleDecision)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Post("/fp", s.handleFingerprint)
		r.Post("/token/verify", s.handleTokenVerify)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDecision classifies the visitor and redirects to the chosen page.
// Clients sending Accept: application/json get the decision body instead of
// a redirect; the tracking script uses that mode.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	d := s.engine.ProcessSlug(r.Context(), slug, r)

	s.log.Info().
		Str("slug", slug).
		Str("action", d.Action).
		Str("reason", d.Reason).
		Bool("cache_hit", d.CacheHit).
		Int64("ms", d.ResponseTimeMs).
		Msg("decision")

	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, http.StatusOK, d)
		return
	}
	if d.URL == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, d.URL, http.StatusFound)
}

type fingerprintResponse struct {
	VisitorID string `json:"visitor_id"`
	Hash      string `json:"hash"`
	RiskScore int    `json:"risk_score"`
}

// handleFingerprint ingests a client fingerprint payload, scores it and
// hands back the visitor id the tracking script should persist.
func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	var p fingerprint.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if p.VisitorID == "" {
		p.VisitorID = uuid.New().String()
	}

	ip := detection.ExtractIP(r)
	stored, err := s.fps.Save(&p, ip)
	if err != nil {
		s.log.Error().Err(err).Msg("fingerprint save failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage"})
		return
	}

	result := s.analyzer.Analyze(&p, ip)
	if err := s.fps.SaveAnalysis(stored.ID, result); err != nil {
		s.log.Warn().Err(err).Str("id", stored.ID).Msg("analysis save failed")
	}

	setCookie(w, "_cid", p.VisitorID)
	setCookie(w, "_fph", stored.Hash)
	setCookie(w, "_js", "1")

	writeJSON(w, http.StatusOK, fingerprintResponse{
		VisitorID: p.VisitorID,
		Hash:      stored.Hash,
		RiskScore: result.RiskScore,
	})
}

type tokenVerifyRequest struct {
	Token string `json:"token"`
}

// handleTokenVerify lets the landing page confirm a decision token before
// serving money content.
func (s *Server) handleTokenVerify(w http.ResponseWriter, r *http.Request) {
	var req tokenVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing token"})
		return
	}
	claims, err := s.tokens.Verify(req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       true,
		"campaign_id": claims.CampaignID,
		"action":      claims.Action,
	})
}

func setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
