package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

// StateHandler serves the match view and accepts commands over plain HTTP
type StateHandler struct {
	ctrl Controller
}

// NewStateHandler creates a new state handler
func NewStateHandler(ctrl Controller) *StateHandler {
	return &StateHandler{ctrl: ctrl}
}

// HandleGetState handles GET /api/match/state
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.View())
}

// HandleAction handles POST /api/match/actions and replies with the
// optimistic view
func (h *StateHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&cmd); err != nil {
		http.Error(w, "Invalid command body", http.StatusBadRequest)
		return
	}

	if err := Execute(h.ctrl, cmd); err != nil {
		if errors.Is(err, match.ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("action", cmd.Action).Msg("failed to execute command")
		http.Error(w, "Failed to execute command", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, h.ctrl.View())
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/match/state", h.HandleGetState)
	mux.HandleFunc("/api/match/actions", h.HandleAction)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
