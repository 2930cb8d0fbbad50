package microservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

// PresenceSource is a mounted presence view. *controller.Controller satisfies it.
type PresenceSource interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() types.UIState
	SubjectID() string
}

// ProfileServer serves the reconciled presence of one subject over HTTP.
type ProfileServer struct {
	*BaseServer
	source PresenceSource
}

var _ Service = (*ProfileServer)(nil)

// presenceResponse is the body of GET /presence.
type presenceResponse struct {
	SubjectID string `json:"subjectId"`
	types.UIState
	// Badge is omitted while the status is hidden or the skeleton is shown.
	Badge *types.Badge `json:"badge,omitempty"`
}

// NewProfileServer creates a server exposing source on /presence and /presence/badge.svg.
func NewProfileServer(cfg BaseConfig, source PresenceSource, logger zerolog.Logger) (*ProfileServer, error) {
	if source == nil {
		return nil, fmt.Errorf("presence source cannot be nil")
	}
	logger = logger.With().Str("component", "ProfileServer").Logger()
	s := &ProfileServer{
		BaseServer: NewBaseServer(logger, cfg.HTTPPort),
		source:     source,
	}
	s.Mux().HandleFunc("/presence", s.handlePresence)
	s.Mux().HandleFunc("/presence/badge.svg", s.handleBadge)
	return s, nil
}

// Start mounts the presence source and then starts listening.
func (s *ProfileServer) Start(ctx context.Context) error {
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence source: %w", err)
	}
	if err := s.BaseServer.Start(); err != nil {
		s.source.Stop()
		return err
	}
	return nil
}

// Shutdown stops serving and unmounts the presence source.
func (s *ProfileServer) Shutdown(ctx context.Context) error {
	err := s.BaseServer.Shutdown(ctx)
	s.source.Stop()
	return err
}

func (s *ProfileServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.source.Snapshot()
	resp := presenceResponse{SubjectID: s.source.SubjectID(), UIState: state}
	if badgeVisible(state) {
		badge := types.BadgeFor(state.DisplayStatus)
		resp.Badge = &badge
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to encode presence response.")
	}
}

func (s *ProfileServer) handleBadge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.source.Snapshot()
	if !badgeVisible(state) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(BadgeSVG(types.BadgeFor(state.DisplayStatus))))
}

func badgeVisible(state types.UIState) bool {
	return !state.StatusHidden && state.Phase == types.PhaseContent
}

// BadgeSVG renders a 16x16 status badge.
func BadgeSVG(b types.Badge) string {
	var cutout string
	switch b.Shape {
	case types.ShapeSolidCircle:
		cutout = ""
	case types.ShapeCrescent:
		cutout = `<circle cx="4" cy="4" r="6" fill="black"/>`
	case types.ShapeMaskedBar:
		cutout = `<rect x="3" y="6.5" width="10" height="3" rx="1.5" fill="black"/>`
	default:
		cutout = `<circle cx="8" cy="8" r="4" fill="black"/>`
	}
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="16" height="16" viewBox="0 0 16 16">`+
		`<mask id="m"><circle cx="8" cy="8" r="8" fill="white"/>%s</mask>`+
		`<circle cx="8" cy="8" r="8" fill="%s" mask="url(#m)"/></svg>`, cutout, b.Color)
}
