package ota

import (
	"net/http"

	"otad/pkg/firmware"
)

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	desc := a.store.Descriptors.Load(r.Context())
	respond(w, http.StatusOK, "ok", map[string]any{"config": desc})
}

func (a *API) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var in firmware.DescriptorInput
	if err := decodeJSON(w, r, &in); err != nil {
		a.metrics.observe("save_config", err)
		respondStoreError(w, err)
		return
	}

	desc, err := a.store.Descriptors.Save(r.Context(), in)
	a.metrics.observe("save_config", err)
	if err != nil {
		a.logger.Warn().Err(err).Msg("save descriptor")
		respondStoreError(w, err)
		return
	}

	a.afterDescriptorSaved(r.Context(), desc)
	respond(w, http.StatusOK, "configuration saved", map[string]any{"config": desc})
}
