package ota

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if a.store.Audit == nil {
		respondError(w, http.StatusFailedDependency, errors.New("audit ledger is not configured"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer, got %q", raw))
			return
		}
		limit = n
	}

	entries, err := a.store.Audit.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list audit entries")
		respondError(w, http.StatusInternalServerError, errors.New("failed to list audit entries"))
		return
	}
	respond(w, http.StatusOK, "ok", map[string]any{"entries": entries})
}
