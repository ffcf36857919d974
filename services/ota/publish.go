package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"

	"github.com/google/uuid"

	"otad/pkg/firmware"
)

// The helpers below run after a local mutation succeeded. Failures are logged
// and counted; the request outcome is already decided.

func (a *API) afterUpload(ctx context.Context, res firmware.UploadResult, link string) {
	a.mirrorArtifact(ctx, res.Name, res.Size, res.SHA256)
	a.publishEvent(ctx, firmware.SubjectFirmwareUploaded, firmware.Event{
		Name:   res.Name,
		URL:    link,
		Size:   res.Size,
		SHA256: res.SHA256,
	})
}

func (a *API) afterDelete(ctx context.Context, name string) {
	if a.store.S3 != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := a.store.S3.DeleteObject(mctx, a.config.MirrorBucket, a.mirrorKey(name)); err != nil {
			a.sideEffectFailed("s3", err, name)
		}
	}
	a.publishEvent(ctx, firmware.SubjectFirmwareDeleted, firmware.Event{Name: name})
}

func (a *API) afterDescriptorSaved(ctx context.Context, desc firmware.Descriptor) {
	if a.store.S3 != nil {
		if data, err := os.ReadFile(a.store.Descriptors.Path()); err != nil {
			a.sideEffectFailed("s3", err, firmware.DescriptorFileName)
		} else {
			sum := sha256.Sum256(data)
			a.putMirror(ctx, firmware.DescriptorFileName, bytes.NewReader(data), int64(len(data)), hex.EncodeToString(sum[:]), "application/json")
		}
	}
	a.publishEvent(ctx, firmware.SubjectDescriptorPublished, firmware.Event{
		Name:    firmware.DescriptorFileName,
		Version: desc.Version,
		URL:     desc.URL,
	})
}

func (a *API) mirrorArtifact(ctx context.Context, name string, size int64, digest string) {
	if a.store.S3 == nil {
		return
	}
	f, err := a.store.Firmware.Open(name)
	if err != nil {
		a.sideEffectFailed("s3", err, name)
		return
	}
	defer f.Close()
	a.putMirror(ctx, name, f, size, digest, "application/octet-stream")
}

func (a *API) putMirror(ctx context.Context, name string, body io.Reader, size int64, digest, contentType string) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := a.store.S3.PutObject(mctx, a.config.MirrorBucket, a.mirrorKey(name), body, size, digest, contentType); err != nil {
		a.sideEffectFailed("s3", err, name)
		return
	}
	a.logger.Debug().Str("filename", name).Str("bucket", a.config.MirrorBucket).Msg("mirrored")
}

func (a *API) mirrorKey(name string) string {
	return path.Join(a.config.MirrorPrefix, name)
}

func (a *API) publishEvent(ctx context.Context, subject string, ev firmware.Event) {
	if a.store.Bus == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Type = subject
	ev.At = a.now().UTC()

	pctx, cancel := withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := a.store.Bus.Publish(pctx, subject, ev.ID, ev); err != nil {
		a.sideEffectFailed("bus", err, ev.Name)
	}
}

func (a *API) sideEffectFailed(target string, err error, name string) {
	a.metrics.sideEffects.WithLabelValues(target).Inc()
	a.logger.Warn().Err(err).Str("target", target).Str("filename", name).Msg("side effect failed")
}
