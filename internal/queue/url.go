package queue

import (
	"fmt"
	"strings"
)

// OpenURL dispatches QUEUE_URL to the durable SQLite backend or the
// in-memory test/dev backend. Supported schemes: "sqlite://<path>" and
// "mem://".
func OpenURL(rawURL string) (Queue, error) {
	switch {
	case strings.HasPrefix(rawURL, "mem://"):
		return NewMemQueue(), nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		return Open(strings.TrimPrefix(rawURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("queue: unsupported QUEUE_URL scheme in %q", rawURL)
	}
}
