package assembly

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash returns a short hex digest of the sorted input filename list.
// The worker stores it with the video record (videos.content_hash) and skips
// re-encoding when a finished video for the session carries the same hash.
// The output filename is built from the session id and creation time; it
// does not include this hash.
func ContentHash(inputPaths []string) string {
	sorted := append([]string(nil), inputPaths...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
