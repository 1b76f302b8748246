package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-evalplane/internal/config"
)

// roster is the Dispatcher's in-memory view of which Runner URLs
// serve each resource_class and when each was last seen healthy. It
// is rebuilt from /health polls only — nothing here is durable, so a
// restarted Dispatcher simply rediscovers the fleet within one poll
// interval.
type roster struct {
	mu          sync.RWMutex
	byClass     map[string][]string
	lastHealthy map[string]time.Time
	rrIndex     map[string]int
}

func newRoster(topology config.Topology) roster {
	byClass := make(map[string][]string)
	for _, pool := range topology.Pools {
		byClass[pool.Name] = append([]string(nil), pool.RunnerURLs...)
	}
	return roster{
		byClass:     byClass,
		lastHealthy: make(map[string]time.Time),
		rrIndex:     make(map[string]int),
	}
}

// live returns the Runner URLs registered for resourceClass whose last
// successful health check is within liveness, falling back to the
// "default" pool if the class has no dedicated entry.
func (r *roster) live(resourceClass string, liveness time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	class := resourceClass
	if _, ok := r.byClass[class]; !ok {
		class = "default"
	}

	cutoff := time.Now().Add(-liveness)
	var out []string
	for _, url := range r.byClass[class] {
		if last, ok := r.lastHealthy[url]; ok && last.After(cutoff) {
			out = append(out, url)
		}
	}
	return out
}

// pickIdle round-robins over candidates, calling GET /running on each
// to skip any Runner already occupied.
func (r *roster) pickIdle(ctx context.Context, client *http.Client, resourceClass string, candidates []string) (string, bool) {
	r.mu.Lock()
	start := r.rrIndex[resourceClass]
	r.mu.Unlock()

	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		url := candidates[idx]
		if !runnerIsIdle(ctx, client, url) {
			continue
		}
		r.mu.Lock()
		r.rrIndex[resourceClass] = (idx + 1) % len(candidates)
		r.mu.Unlock()
		return url, true
	}
	return "", false
}

func runnerIsIdle(ctx context.Context, client *http.Client, runnerURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, runnerURL+"/running", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var running []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&running); err != nil {
		return false
	}
	return len(running) == 0
}

// markHealthy records a successful /health probe for url.
func (r *roster) markHealthy(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHealthy[url] = time.Now()
}

// allKnownURLs returns every Runner URL across all resource classes,
// deduplicated, for the health-poll loop to sweep.
func (r *roster) allKnownURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, urls := range r.byClass {
		for _, u := range urls {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				out = append(out, u)
			}
		}
	}
	return out
}

func (d *Dispatcher) healthPollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.HealthPollEvery)
	defer ticker.Stop()

	poll := func() {
		for _, url := range d.roster.allKnownURLs() {
			go func(u string) {
				probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, u+"/health", nil)
				if err != nil {
					return
				}
				resp, err := d.client.Do(req)
				if err != nil {
					return
				}
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					d.roster.markHealthy(u)
				}
			}(url)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
