package download

import (
	"os"
	"path/filepath"
	"strings"
)

// sanitizeID turns a network id into a safe filename component:
// "123@c.us" becomes "123_c_us".
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// artifactExists reports whether path holds a non-empty file. A missing
// or zero-length artifact is treated as never fetched.
func artifactExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// findWithPrefix locates an existing non-empty artifact whose filename
// starts with prefix. Media files carry an extension derived from their
// MIME type, so only the prefix is deterministic.
func findWithPrefix(dir, prefix string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if artifactExists(full) {
			return full, true
		}
	}
	return "", false
}
