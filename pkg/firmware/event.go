package firmware

import "time"

// Bus subjects for store mutations.
const (
	SubjectDescriptorPublished = "ota.descriptor.published"
	SubjectFirmwareUploaded    = "ota.firmware.uploaded"
	SubjectFirmwareDeleted     = "ota.firmware.deleted"
	SubjectAll                 = "ota.>"
)

// Event describes a completed store mutation.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Name    string    `json:"name,omitempty"`
	Version string    `json:"version,omitempty"`
	URL     string    `json:"url,omitempty"`
	Size    int64     `json:"size,omitempty"`
	SHA256  string    `json:"sha256,omitempty"`
	At      time.Time `json:"at"`
}
