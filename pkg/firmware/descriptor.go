package firmware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DescriptorFileName is the well-known name devices fetch to learn about new firmware.
	DescriptorFileName = "version.json"

	defaultVersion = "1.0.0"
)

// Descriptor is the document advertised to devices. Its JSON shape is a
// compatibility contract with device-side update clients.
type Descriptor struct {
	Version     string `json:"version"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Force       bool   `json:"force"`
}

// DefaultDescriptor returns the descriptor served when nothing has been published yet.
func DefaultDescriptor() Descriptor {
	return Descriptor{Version: defaultVersion}
}

// DescriptorInput is a publish request. Version and URL are required.
type DescriptorInput struct {
	Version     string  `json:"version"`
	URL         string  `json:"url"`
	Description *string `json:"description,omitempty"`
	Force       *bool   `json:"force,omitempty"`
}

// Validate reports whether the required fields are present.
func (in DescriptorInput) Validate() error {
	if strings.TrimSpace(in.Version) == "" || strings.TrimSpace(in.URL) == "" {
		return fmt.Errorf("%w: version and url are required", ErrValidation)
	}
	return nil
}

// DescriptorStore persists the descriptor inside the firmware directory.
type DescriptorStore struct {
	dir  string
	path string
}

// NewDescriptorStore returns a store writing DescriptorFileName under dir.
func NewDescriptorStore(dir string) *DescriptorStore {
	return &DescriptorStore{dir: dir, path: filepath.Join(dir, DescriptorFileName)}
}

// Path returns the location of the descriptor on disk.
func (d *DescriptorStore) Path() string { return d.path }

// Load returns the published descriptor. A missing or unreadable document
// yields the defaults; fields absent from the file keep their default values.
func (d *DescriptorStore) Load(ctx context.Context) Descriptor {
	desc := DefaultDescriptor()
	if ctx.Err() != nil {
		return desc
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return desc
	}

	loaded := DefaultDescriptor()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return desc
	}
	return loaded
}

// Save validates in, merges it over the defaults and replaces the document.
func (d *DescriptorStore) Save(ctx context.Context, in DescriptorInput) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, err
	}
	if err := in.Validate(); err != nil {
		return Descriptor{}, err
	}

	desc := Descriptor{Version: in.Version, URL: in.URL}
	if in.Description != nil {
		desc.Description = *in.Description
	}
	if in.Force != nil {
		desc.Force = *in.Force
	}

	data, err := encodeDescriptor(desc)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: encode descriptor: %w", ErrIO, err)
	}
	if err := writeFileAtomic(d.dir, d.path, data); err != nil {
		return Descriptor{}, fmt.Errorf("%w: write descriptor: %w", ErrIO, err)
	}
	return desc, nil
}

func encodeDescriptor(desc Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(desc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeFileAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
