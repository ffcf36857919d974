package firmware

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeName reduces rawName to its final path segment and replaces every
// character outside [A-Za-z0-9._-] with an underscore.
func SanitizeName(rawName string) string {
	base := filepath.Base(rawName)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, base)
}

func hasExtension(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}

// checkName rejects anything that is not a plain entry of the firmware directory.
func checkName(name string) error {
	if filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return nil
}

// isTempName reports whether name belongs to an in-progress upload or
// descriptor write.
func isTempName(name string) bool {
	return strings.HasPrefix(name, uploadTempPrefix) || strings.HasPrefix(name, "."+DescriptorFileName+".")
}
