package ota

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 60 * time.Second

// Routes constructs the chi router containing all endpoints. Extra middlewares
// run after request id assignment, so loggers can read it.
func (a *API) Routes(middlewares ...func(http.Handler) http.Handler) (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	for _, mw := range middlewares {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", a.metricsHandler())

	r.Get("/firmware/*", a.handleDownload)
	r.Head("/firmware/*", a.handleDownload)

	r.Group(func(r chi.Router) {
		if a.config.RatePerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RatePerMinute, time.Minute))
		}
		r.Use(middleware.Timeout(requestTimeout))

		r.HandleFunc("/api", a.handleAction)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/config", a.handleGetConfig)
			r.Put("/config", a.handleSaveConfig)

			r.Get("/firmware", a.handleListFirmware)
			r.Post("/firmware", a.handleUploadFirmware)
			r.Delete("/firmware/{name}", a.handleDeleteFirmware)
			r.Get("/firmware/{name}/presign", a.handlePresignFirmware)

			r.Get("/audit", a.handleListAudit)
		})
	})

	return r, nil
}

func (a *API) metricsHandler() http.Handler {
	if a.config.Registry != nil {
		return promhttp.HandlerFor(a.config.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	info, err := os.Stat(a.store.Firmware.Dir())
	if err != nil || !info.IsDir() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("firmware directory unavailable"))
		return
	}
	if free, ok := a.store.Firmware.Free(); ok && free == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("firmware directory full"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
