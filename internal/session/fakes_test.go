package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock only fires timers from Advance, never from AfterFunc itself.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that became due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Active returns the fire times of timers that are neither stopped nor fired.
func (c *fakeClock) Active() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var at []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			at = append(at, t.at)
		}
	}
	return at
}

// fakeProvider issues "token-N" grants and records every request.
type fakeProvider struct {
	mu          sync.Mutex
	requests    []TokenRequest
	lifetime    time.Duration
	failSilent  error
	failConsent error
	revoked     []string
	revokeErr   error
	identity    *Identity
	identityErr error
	identities  int
	spans       []trace.SpanContext

	// gate, when set, blocks RequestToken until closed or ctx is done
	gate chan struct{}
	// hang, when set, blocks RequestToken until closed, ignoring ctx
	hang chan struct{}
	// started receives every request once it reached the provider
	started chan TokenRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		lifetime: time.Hour,
		identity: &Identity{ID: "42", Email: "ada@example.com", DisplayName: "Ada", AvatarURL: "https://example.com/ada.png"},
		started:  make(chan TokenRequest, 64),
	}
}

func (p *fakeProvider) RequestToken(ctx context.Context, req TokenRequest) (*Grant, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.spans = append(p.spans, trace.SpanContextFromContext(ctx))
	n := len(p.requests)
	gate, hang := p.gate, p.hang
	var fail error
	if req.Interactive {
		fail = p.failConsent
	} else {
		fail = p.failSilent
	}
	lifetime := p.lifetime
	p.mu.Unlock()

	p.started <- req

	if hang != nil {
		<-hang
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return &Grant{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: lifetime}, nil
}

func (p *fakeProvider) Revoke(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, token)
	return p.revokeErr
}

func (p *fakeProvider) FetchIdentity(_ context.Context, _ string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities++
	if p.identityErr != nil {
		return nil, p.identityErr
	}
	id := *p.identity
	return &id, nil
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) Requests() []TokenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TokenRequest(nil), p.requests...)
}

func (p *fakeProvider) SpanContexts() []trace.SpanContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]trace.SpanContext(nil), p.spans...)
}

func (p *fakeProvider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

func (p *fakeProvider) IdentityCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identities
}
