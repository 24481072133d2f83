// Package pathenc converts between real project paths and the encoded
// directory names used for conversation logs, where both '/' and '_'
// are replaced by '-'.
package pathenc

import (
	"os"
	"path/filepath"
	"strings"
)

// Encode returns the encoded directory name for an absolute path.
func Encode(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "/", "-")
	return strings.ReplaceAll(path, "_", "-")
}

// Matches reports whether the encoded name corresponds to the given directory.
func Matches(encoded, dir string) bool {
	return Encode(dir) == encoded
}

// Decode recovers a real path from an encoded directory name by probing
// the filesystem. Because '-', '_' and '/' all encode to '-', the encoding
// is ambiguous; Decode resolves the ambiguity by matching existing
// directories level by level. Returns false if no existing path matches.
func Decode(encoded string) (string, bool) {
	encoded = strings.TrimPrefix(encoded, "-")
	if encoded == "" {
		return "", false
	}
	tokens := strings.Split(encoded, "-")
	return decodeFrom("/", tokens)
}

// decodeFrom extends the real path cur by matching directory entries
// against the remaining encoded tokens.
func decodeFrom(cur string, tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return cur, true
	}

	entries, err := os.ReadDir(cur)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		name := entry.Name()
		encName := strings.ReplaceAll(name, "_", "-")
		// An entry whose own name contains dashes or underscores consumes
		// several tokens.
		width := strings.Count(encName, "-") + 1
		if width > len(tokens) {
			continue
		}
		if strings.Join(tokens[:width], "-") != encName {
			continue
		}
		if len(tokens) == width {
			return filepath.Join(cur, name), true
		}
		if !entry.IsDir() {
			continue
		}
		if resolved, ok := decodeFrom(filepath.Join(cur, name), tokens[width:]); ok {
			return resolved, true
		}
	}

	return "", false
}
