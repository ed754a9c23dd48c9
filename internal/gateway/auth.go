package gateway

import (
	"errors"
	"net/http"

	"github.com/florianilch/stringart-drive/internal/session"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	SignedIn bool   `json:"signed_in"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, g.session.Status(), http.StatusOK)
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := g.session.RefreshSilently(ctx); err != nil {
		switch {
		case errors.Is(err, session.ErrNotSignedIn), errors.Is(err, session.ErrSilentRefreshFailed):
			writeJSONError(ctx, w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, session.ErrClosed):
			writeJSONError(ctx, w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeJSONError(ctx, w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	writeJSON(ctx, w, g.session.Status(), http.StatusOK)
}

func (g *Gateway) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.session.SignOut(ctx); err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(ctx, w, g.session.Status(), http.StatusOK)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, HealthResponse{Status: "ok", SignedIn: g.session.Status().SignedIn}, http.StatusOK)
}
