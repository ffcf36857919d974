package ota

import (
	"errors"
	"fmt"
	"net/http"
)

var errInvalidOperation = errors.New("invalid operation")

type action struct {
	method  string
	handler http.HandlerFunc
}

func (a *API) lookupAction(name string) (action, bool) {
	switch name {
	case "save_config":
		return action{http.MethodPost, a.handleSaveConfig}, true
	case "upload":
		return action{http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			a.upload(w, r, http.StatusOK, true)
		}}, true
	case "delete":
		return action{http.MethodDelete, func(w http.ResponseWriter, r *http.Request) {
			a.deleteFirmware(w, r, r.URL.Query().Get("filename"))
		}}, true
	case "list":
		return action{http.MethodGet, a.handleListFirmware}, true
	case "get_config":
		return action{http.MethodGet, a.handleGetConfig}, true
	default:
		return action{}, false
	}
}

// handleAction dispatches the query-string action surface used by the
// management page.
func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("action")
	act, ok := a.lookupAction(name)
	if !ok {
		respondError(w, http.StatusBadRequest, errInvalidOperation)
		return
	}
	if r.Method != act.method {
		w.Header().Set("Allow", act.method)
		respondError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed for %s", r.Method, name))
		return
	}
	act.handler(w, r)
}
