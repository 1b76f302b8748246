package store

import (
	"fmt"
	"strings"
)

// OpenURL dispatches STORE_URL to the durable SQLite backend or the
// in-memory test/dev backend. Supported schemes: "sqlite://<path>" and
// "mem://".
func OpenURL(rawURL string) (Store, error) {
	switch {
	case strings.HasPrefix(rawURL, "mem://"):
		return NewMemStore(), nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		return Open(strings.TrimPrefix(rawURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("store: unsupported STORE_URL scheme in %q", rawURL)
	}
}
