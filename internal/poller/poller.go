// Package poller keeps the latest payload of each resource API route the
// terminal displays, refetching every route on its own interval.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownHook = errors.New("unknown hook")
	ErrRunning     = errors.New("poller is already running")
)

// Hook polls Path every Interval and files the result under Name.
type Hook struct {
	Name     string
	Path     string
	Interval time.Duration
}

// Result is the state of one hook. Payload is the last good response and
// survives later failures; Err is the outcome of the latest attempt.
type Result struct {
	Payload   json.RawMessage
	Err       error
	FetchedAt time.Time
}

// Metrics is the subset of metrics.MetricsWrapper the poller reports to.
type Metrics interface {
	PollErrorInc(hook string)
}

type nopMetrics struct{}

func (nopMetrics) PollErrorInc(string) {}

type Poller struct {
	rest    *resty.Client
	metrics Metrics

	hooks   []Hook
	results map[string]Result
	mu      sync.RWMutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// New returns a poller against the API at base.
func New(base string, timeout time.Duration, m Metrics) *Poller {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Poller{
		rest:    resty.New().SetBaseURL(base).SetTimeout(timeout).SetHeader("Accept", "application/json"),
		metrics: m,
		results: make(map[string]Result),
	}
}

// Add registers a hook. Hooks must be added before Start.
func (p *Poller) Add(h Hook) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return ErrRunning
	}
	if h.Name == "" || h.Path == "" || h.Interval <= 0 {
		return fmt.Errorf("invalid hook %+v", h)
	}
	for _, existing := range p.hooks {
		if existing.Name == h.Name {
			return fmt.Errorf("duplicate hook %q", h.Name)
		}
	}
	p.hooks = append(p.hooks, h)
	return nil
}

// Start launches one goroutine per hook. Each fetches immediately and then
// on its interval until Stop or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return ErrRunning
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for _, h := range p.hooks {
		p.wg.Add(1)
		go p.loop(ctx, h)
	}
	p.running = true
	log.Info().Int("hooks", len(p.hooks)).Msg("Poller started")
	return nil
}

// Stop cancels every hook and waits for in-flight fetches to return.
func (p *Poller) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	log.Info().Msg("Poller stopped")
}

// Latest returns the last good payload for name and the error of the most
// recent attempt. Both are nil until the first fetch completes.
func (p *Poller) Latest(name string) (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.results[name]
	if !ok {
		if !p.known(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHook, name)
		}
		return nil, nil
	}
	return r.Payload, r.Err
}

// Snapshot copies the results of every hook that has run at least once.
func (p *Poller) Snapshot() map[string]Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Result, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

func (p *Poller) known(name string) bool {
	for _, h := range p.hooks {
		if h.Name == name {
			return true
		}
	}
	return false
}

func (p *Poller) loop(ctx context.Context, h Hook) {
	defer p.wg.Done()

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		p.poll(ctx, h)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, h Hook) {
	payload, err := p.fetch(ctx, h.Path)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	prev := p.results[h.Name]
	if err != nil {
		prev.Err = err
	} else {
		prev = Result{Payload: payload, FetchedAt: time.Now()}
	}
	p.results[h.Name] = prev
	p.mu.Unlock()

	if err != nil {
		p.metrics.PollErrorInc(h.Name)
		log.Warn().Err(err).Str("hook", h.Name).Str("path", h.Path).Msg("Poll failed, keeping previous payload")
	}
}

func (p *Poller) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := p.rest.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get %s: HTTP %d", path, resp.StatusCode())
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("get %s: response is not JSON", path)
	}
	return append(json.RawMessage(nil), body...), nil
}
