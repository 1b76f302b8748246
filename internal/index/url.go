package index

import (
	"fmt"
	"strings"
)

// OpenURL dispatches INDEX_URL to the Redis backend or the in-memory
// test/dev backend. Supported schemes: "redis://<host:port>" and
// "mem://".
func OpenURL(rawURL string) (Index, error) {
	switch {
	case strings.HasPrefix(rawURL, "mem://"):
		return NewMemIndex(), nil
	case strings.HasPrefix(rawURL, "redis://"):
		return Open(strings.TrimPrefix(rawURL, "redis://"))
	default:
		return nil, fmt.Errorf("index: unsupported INDEX_URL scheme in %q", rawURL)
	}
}
