// Package registry implements the Server Registry: the authoritative list
// of federated backend Jellyfin servers, their priority ordering, and their
// live availability. It supersedes backend.Pool's server-lookup role,
// adding persisted health history and priority-aware ordering.
package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackend "github.com/jellyswarrm/jellyswarrm/ent/backend"
)

const (
	defaultCheckInterval = 30 * time.Second
	checkTimeout         = 5 * time.Second
	// failureThreshold is how many consecutive failed checks it takes to
	// flip a server from available to unavailable. Requiring more than one
	// avoids flapping on a single dropped packet.
	failureThreshold = 2
)

// status is the in-memory availability snapshot for one server.
type status struct {
	available    bool
	lastChecked  time.Time
	lastErr      string
	failureCount int
	latency      time.Duration
}

// Registry tracks every backend Jellyfin server: its registration in the
// database and its live availability, periodically persisting a health
// snapshot for operator visibility.
type Registry struct {
	db     *ent.Client
	client *http.Client

	interval time.Duration

	mu       sync.RWMutex
	statuses map[string]*status // keyed by backend UUID string

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Registry. Call Start to begin background health checks.
func New(db *ent.Client, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Registry{
		db:       db,
		interval: interval,
		statuses: make(map[string]*status),
		done:     make(chan struct{}),
		client: &http.Client{
			Timeout: checkTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// Start launches the background health-check loop: an immediate sweep, then
// one every interval, until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		defer close(r.done)

		r.sweep(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// List returns every enabled server ordered by priority (highest first),
// then by name for a stable tie-break.
func (r *Registry) List(ctx context.Context) ([]*ent.Backend, error) {
	servers, err := r.db.Backend.Query().
		Where(entbackend.Enabled(true)).
		Order(ent.Desc(entbackend.FieldPriority), ent.Asc(entbackend.FieldName)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return servers, nil
}

// Available reports whether the server with the given ID is currently
// considered reachable. A server with no recorded check is assumed
// available so the first requests against it aren't blocked.
func (r *Registry) Available(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[serverID]
	if !ok {
		return true
	}
	return s.available
}

// AvailableServers filters List's result down to servers the Registry
// currently believes are reachable.
func (r *Registry) AvailableServers(ctx context.Context) ([]*ent.Backend, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ent.Backend, 0, len(all))
	for _, s := range all {
		if r.Available(s.ID.String()) {
			out = append(out, s)
		}
	}
	return out, nil
}

// RecordRequestFailure notes a live request failure against a server,
// tripping it unavailable after failureThreshold consecutive failures even
// between health-check sweeps.
func (r *Registry) RecordRequestFailure(serverID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.statuses[serverID]
	if !ok {
		s = &status{available: true}
		r.statuses[serverID] = s
	}
	s.failureCount++
	if s.failureCount >= failureThreshold && s.available {
		slog.Warn("registry: server marked unavailable after request failures",
			"server", name, "id", serverID, "failures", s.failureCount)
		s.available = false
	}
}

// RecordRequestSuccess clears the live failure counter for a server without
// overriding the health checker's own availability verdict.
func (r *Registry) RecordRequestSuccess(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[serverID]; ok && s.available {
		s.failureCount = 0
	}
}

// Status is a snapshot of one server's live health, for the admin API.
type Status struct {
	ServerID     string        `json:"server_id"`
	Available    bool          `json:"available"`
	LastChecked  time.Time     `json:"last_checked"`
	LastError    string        `json:"last_error,omitempty"`
	FailureCount int           `json:"failure_count"`
	Latency      time.Duration `json:"latency_ms"`
}

// Statuses returns a snapshot of every server the Registry has checked.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.statuses))
	for id, s := range r.statuses {
		out = append(out, Status{
			ServerID:     id,
			Available:    s.available,
			LastChecked:  s.lastChecked,
			LastError:    s.lastErr,
			FailureCount: s.failureCount,
			Latency:      s.latency,
		})
	}
	return out
}

func (r *Registry) sweep(ctx context.Context) {
	servers, err := r.List(ctx)
	if err != nil {
		slog.Warn("registry: sweep: failed to list servers", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(b *ent.Backend) {
			defer wg.Done()
			r.checkOne(ctx, b)
		}(s)
	}
	wg.Wait()
}

func (r *Registry) checkOne(ctx context.Context, b *ent.Backend) {
	pingURL := strings.TrimRight(b.URL, "/") + "/System/Info/Public"

	reqCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pingURL, nil)
	if err != nil {
		r.recordResult(ctx, b, 0, fmt.Errorf("bad url: %w", err))
		return
	}

	resp, err := r.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		r.recordResult(ctx, b, latency, err)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		r.recordResult(ctx, b, latency, nil)
	} else {
		r.recordResult(ctx, b, latency, fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (r *Registry) recordResult(ctx context.Context, b *ent.Backend, latency time.Duration, checkErr error) {
	id := b.ID.String()

	r.mu.Lock()
	s, ok := r.statuses[id]
	if !ok {
		s = &status{available: true}
		r.statuses[id] = s
	}
	s.lastChecked = time.Now()
	s.latency = latency

	available := checkErr == nil
	errMsg := ""
	if checkErr != nil {
		errMsg = checkErr.Error()
		s.failureCount++
		s.lastErr = errMsg
		if s.failureCount >= failureThreshold && s.available {
			slog.Warn("registry: server marked unavailable", "server", b.Name, "id", id, "error", errMsg)
			s.available = false
		}
	} else {
		if !s.available {
			slog.Info("registry: server back online", "server", b.Name, "id", id)
		}
		s.available = true
		s.failureCount = 0
		s.lastErr = ""
	}
	r.mu.Unlock()

	create := r.db.ServerHealthHistory.Create().
		SetServerID(b.ID).
		SetAvailable(available).
		SetLatencyMs(latency.Milliseconds())
	if errMsg != "" {
		create = create.SetError(errMsg)
	}
	if _, err := create.Save(ctx); err != nil {
		slog.Warn("registry: failed to persist health history", "server", b.Name, "error", err)
	}
}
