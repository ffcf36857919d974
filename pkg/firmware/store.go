package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Extension is the only file suffix accepted as a firmware image.
	Extension = ".bin"

	// DefaultMaxUploadSize caps uploads unless overridden with WithMaxUploadSize.
	DefaultMaxUploadSize int64 = 10 << 20

	// MaxUploadLimit is the largest cap WithMaxUploadSize accepts. Larger
	// values are clamped so size arithmetic cannot overflow.
	MaxUploadLimit int64 = 1 << 40

	maxNameAttempts = 100

	uploadTempPrefix = ".upload-"
	staleTempAge     = time.Hour
)

// Artifact describes a stored firmware image.
type Artifact struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	Name   string `json:"filename"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Store manages the flat firmware directory.
type Store struct {
	dir     string
	maxSize int64
	now     func() time.Time
	free    func(dir string) (uint64, bool)
}

// Option customises a Store.
type Option func(*Store)

// WithMaxUploadSize overrides DefaultMaxUploadSize. Non-positive values are
// ignored; values above MaxUploadLimit are clamped to it.
func WithMaxUploadSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = min(n, MaxUploadLimit)
		}
	}
}

// WithClock replaces time.Now for collision suffixes and file timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore prepares dir (creating it when missing) and returns a Store rooted there.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("firmware directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve firmware directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create firmware directory: %w", err)
	}

	s := &Store{
		dir:     abs,
		maxSize: DefaultMaxUploadSize,
		now:     time.Now,
		free:    freeBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweepTemp(time.Now().Add(-staleTempAge))
	return s, nil
}

// sweepTemp removes temp files left behind by interrupted writes that were
// last touched before cutoff.
func (s *Store) sweepTemp(cutoff time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isTempName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, entry.Name()))
	}
}

// Dir returns the absolute firmware directory.
func (s *Store) Dir() string { return s.dir }

// MaxUploadSize returns the configured upload cap in bytes.
func (s *Store) MaxUploadSize() int64 { return s.maxSize }

// Free reports the bytes available to the store, when the platform can tell.
func (s *Store) Free() (uint64, bool) { return s.free(s.dir) }

// List returns the stored images, most recently modified first.
func (s *Store) List(ctx context.Context) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read firmware directory: %w", ErrIO, err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !hasExtension(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, entry.Name(), err)
		}
		artifacts = append(artifacts, Artifact{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].ModifiedAt.Equal(artifacts[j].ModifiedAt) {
			return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
		}
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

// Upload admits a new image read from r. size is the length declared by the
// client, or -1 when unknown; the stream itself is always measured.
func (s *Store) Upload(ctx context.Context, rawName string, r io.Reader, size int64) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	if !hasExtension(rawName) {
		return UploadResult{}, fmt.Errorf("%w: only %s files are accepted", ErrUnsupportedFormat, Extension)
	}
	if size > s.maxSize {
		return UploadResult{}, s.sizeError()
	}
	if size > 0 {
		if avail, ok := s.Free(); ok && avail < uint64(size) {
			return UploadResult{}, fmt.Errorf("%w: insufficient space for %d bytes", ErrIO, size)
		}
	}

	tmp, err := os.CreateTemp(s.dir, uploadTempPrefix+"*")
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), io.LimitReader(r, s.maxSize+1))
	closeErr := tmp.Close()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: write upload: %w", ErrIO, err)
	}
	if closeErr != nil {
		return UploadResult{}, fmt.Errorf("%w: write upload: %w", ErrIO, closeErr)
	}
	if written > s.maxSize {
		return UploadResult{}, s.sizeError()
	}

	now := s.now()
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("%w: chmod upload: %w", ErrIO, err)
	}
	if err := os.Chtimes(tmpName, now, now); err != nil {
		return UploadResult{}, fmt.Errorf("%w: set upload time: %w", ErrIO, err)
	}

	name, err := s.claim(tmpName, SanitizeName(rawName), now)
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{
		Name:   name,
		Size:   written,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// claim links the finished temp file under the first free candidate name.
// Linking fails when the target exists, so stored images are never replaced.
func (s *Store) claim(tmpName, name string, now time.Time) (string, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stamped := stem + "_" + strconv.FormatInt(now.Unix(), 10)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := name
		switch {
		case attempt == 1:
			candidate = stamped + Extension
		case attempt > 1:
			candidate = stamped + "_" + strconv.Itoa(attempt-1) + Extension
		}

		err := os.Link(tmpName, filepath.Join(s.dir, candidate))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: store %s: %w", ErrIO, candidate, err)
		}
	}
	return "", fmt.Errorf("%w: no free name for %s", ErrIO, name)
}

// Delete removes a stored file. The descriptor cannot be deleted this way.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if err := checkName(name); err != nil {
		return err
	}
	if name == DescriptorFileName {
		return fmt.Errorf("%w: %s cannot be deleted", ErrProtected, DescriptorFileName)
	}
	if isTempName(name) {
		return fmt.Errorf("%w: %s is a pending write", ErrProtected, name)
	}

	path := filepath.Join(s.dir, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, name, err)
	}
	return nil
}

// Open returns a read handle for the descriptor or a stored image.
func (s *Store) Open(name string) (*os.File, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	if name != DescriptorFileName && !hasExtension(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	path := filepath.Join(s.dir, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, name, err)
	}
	// The entry may have been swapped between Lstat and Open.
	opened, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}
	if !os.SameFile(info, opened) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

func (s *Store) sizeError() error {
	return fmt.Errorf("%w: maximum is %d bytes", ErrSizeLimit, s.maxSize)
}
