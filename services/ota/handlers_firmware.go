package ota

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"otad/pkg/firmware"
)

const (
	uploadField    = "firmware"
	multipartSlack = 1 << 20

	defaultPresignTTL = 5 * time.Minute
	maxPresignTTL     = time.Hour
)

var errMissingFile = fmt.Errorf("%w: no firmware file provided", firmware.ErrValidation)

type firmwareFile struct {
	firmware.Artifact
	URL string `json:"url"`
}

func (a *API) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	artifacts, err := a.store.Firmware.List(r.Context())
	a.metrics.observe("list", err)
	if err != nil {
		a.logger.Error().Err(err).Msg("list firmware")
		respondStoreError(w, err)
		return
	}
	a.metrics.artifacts.Set(float64(len(artifacts)))

	files := make([]firmwareFile, 0, len(artifacts))
	for _, art := range artifacts {
		files = append(files, firmwareFile{Artifact: art, URL: a.artifactURL(r, art.Name)})
	}
	respond(w, http.StatusOK, "ok", map[string]any{"files": files})
}

func (a *API) handleUploadFirmware(w http.ResponseWriter, r *http.Request) {
	a.upload(w, r, http.StatusCreated, false)
}

// upload stores the posted image and answers with status. The management
// page only reads the envelope of 200 responses, so legacy callers get their
// failures with 200 and success false.
func (a *API) upload(w http.ResponseWriter, r *http.Request, status int, legacy bool) {
	res, err := a.receiveUpload(w, r)
	a.metrics.observe("upload", err)
	if err != nil {
		a.logger.Warn().Err(err).Msg("upload firmware")
		if legacy {
			writeEnvelope(w, http.StatusOK, false, err.Error(), nil)
			return
		}
		respondStoreError(w, err)
		return
	}
	a.metrics.uploadBytes.Add(float64(res.Size))

	link := a.artifactURL(r, res.Name)
	a.afterUpload(r.Context(), res, link)

	respond(w, status, "firmware uploaded", map[string]any{
		"filename": res.Name,
		"size":     res.Size,
		"url":      link,
		"sha256":   res.SHA256,
	})
}

// receiveUpload streams the first file part named "firmware" into the store.
func (a *API) receiveUpload(w http.ResponseWriter, r *http.Request) (firmware.UploadResult, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.store.Firmware.MaxUploadSize()+multipartSlack)

	mr, err := r.MultipartReader()
	if err != nil {
		return firmware.UploadResult{}, fmt.Errorf("%w: multipart form required", firmware.ErrValidation)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return firmware.UploadResult{}, errMissingFile
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return firmware.UploadResult{}, fmt.Errorf("%w: %w", firmware.ErrSizeLimit, err)
			}
			return firmware.UploadResult{}, fmt.Errorf("%w: malformed multipart body: %w", firmware.ErrValidation, err)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		if part.FileName() == "" {
			part.Close()
			return firmware.UploadResult{}, errMissingFile
		}

		res, err := a.store.Firmware.Upload(r.Context(), part.FileName(), part, -1)
		part.Close()
		return res, err
	}
}

func (a *API) handleDeleteFirmware(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	a.deleteFirmware(w, r, name)
}

func (a *API) deleteFirmware(w http.ResponseWriter, r *http.Request, name string) {
	err := a.store.Firmware.Delete(r.Context(), name)
	a.metrics.observe("delete", err)
	if err != nil {
		a.logger.Warn().Err(err).Str("filename", name).Msg("delete firmware")
		respondStoreError(w, err)
		return
	}

	a.afterDelete(r.Context(), name)
	respond(w, http.StatusOK, "firmware deleted", map[string]any{"filename": name})
}

func (a *API) handlePresignFirmware(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil {
		respondError(w, http.StatusFailedDependency, errors.New("object storage mirror is not configured"))
		return
	}

	name, err := pathParam(r, "name")
	if err != nil {
		respondStoreError(w, err)
		return
	}

	ttl := defaultPresignTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("ttl must be a positive number of seconds, got %q", raw))
			return
		}
		ttl = min(time.Duration(secs)*time.Second, maxPresignTTL)
	}

	f, err := a.store.Firmware.Open(name)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	f.Close()

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	link, err := a.store.S3.PresignGet(ctx, a.config.MirrorBucket, a.mirrorKey(name), ttl)
	if err != nil {
		a.logger.Error().Err(err).Str("filename", name).Msg("presign firmware")
		respondError(w, http.StatusInternalServerError, errors.New("failed to presign download"))
		return
	}

	respond(w, http.StatusOK, "ok", map[string]any{
		"url":        link,
		"expires_in": int(ttl / time.Second),
	})
}

// handleDownload serves the descriptor and stored images read-only.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "*")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	f, err := a.store.Firmware.Open(name)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusBadRequest {
			status = http.StatusNotFound
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if name == firmware.DescriptorFileName {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}
