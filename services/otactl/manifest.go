package otactl

import "time"

const manifestVersion = "1"

// Manifest describes the contents of a firmware bundle.
type Manifest struct {
	Version   string             `yaml:"version"`
	ID        string             `yaml:"id"`
	CreatedAt time.Time          `yaml:"created_at"`
	Artifacts []ManifestArtifact `yaml:"artifacts"`
}

// ManifestArtifact describes a single file within the bundle.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

const (
	kindDescriptor = "descriptor"
	kindFirmware   = "firmware"
)
