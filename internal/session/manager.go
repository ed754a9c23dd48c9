package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/stringart-drive/internal/credstore"
	"github.com/florianilch/stringart-drive/internal/observability"
)

const tracerName = "github.com/florianilch/stringart-drive/internal/session"

// Manager owns the bearer token, its renewal timer and the single-flight refresh.
// All methods are safe for concurrent use.
type Manager struct {
	store    credstore.Store
	provider Provider
	clock    Clock
	logger   *slog.Logger
	tracer   trace.Tracer

	renewalWindow  time.Duration
	safetyBuffer   time.Duration
	refreshTimeout time.Duration

	// mu serializes every mutation of the fields below together with its persistence
	mu          sync.Mutex
	initialized bool
	closed      bool
	signingIn   bool
	token       *Token
	scheduledAt time.Time
	identity    *Identity
	timer       Timer
	refresh     *refreshCall

	// generation changes whenever the token is replaced or cleared
	generation uint64
	// epoch changes only when the session is cleared
	epoch uint64
	// timerSeq identifies the armed timer so a fired-but-stopped timer stays inert
	timerSeq uint64

	fetchingIdentity bool
	expiredHandlers  []func()
}

// New creates a Manager. No I/O is performed until Initialize.
func New(store credstore.Store, provider Provider, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if provider == nil {
		return nil, fmt.Errorf("missing identity provider")
	}

	cfg := &config{
		clock:          SystemClock,
		logger:         slog.Default(),
		renewalWindow:  DefaultRenewalWindow,
		safetyBuffer:   DefaultSafetyBuffer,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Manager{
		store:          store,
		provider:       provider,
		clock:          cfg.clock,
		logger:         cfg.logger,
		tracer:         cfg.tracerProvider.Tracer(tracerName),
		renewalWindow:  cfg.renewalWindow,
		safetyBuffer:   cfg.safetyBuffer,
		refreshTimeout: cfg.refreshTimeout,
	}, nil
}

// Initialize restores the session from the store.
//
// A missing token, or one within the safety buffer of its expiry, clears every
// stored session key. A live token is restored and its renewal is re-armed at the
// persisted moment, or started right away when that moment passed while the
// process was not running. Calling Initialize again replaces the armed timer.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return fmt.Errorf("rehydrating session: %w", err)
	}
	m.initialized = true
	m.closed = false

	now := m.clock.Now()
	if st.token == nil || !m.usableAt(st.token, now) {
		if st.token != nil {
			m.logger.InfoContext(ctx, "stored token expired, clearing session", "expired_at", st.token.ExpiresAt)
		}
		return m.clearLocked(ctx)
	}

	if m.token == nil || m.token.Value != st.token.Value {
		m.generation++
	}
	m.token = st.token
	m.identity = st.identity
	observability.TokenExpiry.Set(float64(m.token.ExpiresAt.Unix()))

	scheduledAt := st.scheduledAt
	m.scheduledAt = scheduledAt
	if derived := m.token.ExpiresAt.Add(-m.renewalWindow); scheduledAt.IsZero() || scheduledAt.After(derived) {
		// Missing, or later than the current token allows
		scheduledAt = derived
		m.scheduledAt = derived
		if err := m.persistLocked(context.WithoutCancel(ctx)); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist refresh schedule", "error", err)
		}
	}

	if delay := nextFireDelay(now, scheduledAt); delay > 0 {
		m.armTimerLocked(delay)
		m.logger.InfoContext(ctx, "session restored", "expires_at", m.token.ExpiresAt, "refresh_at", scheduledAt)
	} else {
		m.stopTimerLocked()
		m.logger.InfoContext(ctx, "session restored, scheduled refresh already passed, refreshing now", "expires_at", m.token.ExpiresAt)
		m.joinRefreshLocked()
	}

	m.fetchIdentityLocked()
	return nil
}

// SignIn acquires a token from the provider.
//
// Without a live token the provider is asked for consent; with interactive set to
// false it is only asked silently. With a live token a silent request is tried
// first, falling back to consent when interactive is true. On failure the previous
// session is left untouched.
func (m *Manager) SignIn(ctx context.Context, interactive bool) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.signingIn {
		m.mu.Unlock()
		return ErrSignInInProgress
	}
	m.signingIn = true
	held := m.liveLocked(ctx, m.clock.Now())
	epoch := m.epoch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.signingIn = false
		m.mu.Unlock()
	}()

	requestID := uuid.NewString()
	logger := m.logger.With("request_id", requestID)

	var (
		grant *Grant
		err   error
	)
	if held || !interactive {
		grant, err = m.acquire(ctx, TokenRequest{ID: requestID, Interactive: false}, observability.AcquisitionSilent)
		countAcquisition(observability.AcquisitionSilent, err)
		if err != nil && interactive {
			logger.InfoContext(ctx, "silent sign-in failed, requesting consent", "error", err)
		}
	}
	if grant == nil && interactive {
		grant, err = m.acquire(ctx, TokenRequest{ID: requestID, Interactive: true}, observability.AcquisitionInteractive)
		countAcquisition(observability.AcquisitionInteractive, err)
	}
	if err != nil {
		logger.WarnContext(ctx, "sign-in failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSignInFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		// Signed out (or expired) while the provider was working; don't resurrect the session
		return fmt.Errorf("%w: session ended during sign-in", ErrSignInFailed)
	}

	token := m.commitLocked(ctx, grant)
	logger.InfoContext(ctx, "signed in", "expires_at", token.ExpiresAt, "refresh_at", m.scheduledAt)
	m.fetchIdentityLocked()
	return nil
}

// SignOut ends the session: the timer is stopped, waiters of an in-flight refresh
// are released with ErrNotSignedIn, and all session keys are removed from the store.
// The token is then revoked with the provider on a best-effort basis; revocation
// failures are logged, not returned.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	var revoke string
	if m.token != nil {
		revoke = m.token.Value
	}
	m.abandonRefreshLocked(fmt.Errorf("%w: signed out", ErrNotSignedIn))
	err := m.clearLocked(context.WithoutCancel(ctx))
	m.mu.Unlock()

	if revoke != "" {
		if rerr := m.provider.Revoke(ctx, revoke); rerr != nil {
			m.logger.WarnContext(ctx, "token revocation failed, local session cleared anyway",
				"error", fmt.Errorf("%w: %w", ErrRevocationFailed, rerr))
		} else {
			m.logger.InfoContext(ctx, "token revoked")
		}
	}

	m.logger.InfoContext(ctx, "signed out")
	if err != nil {
		return fmt.Errorf("clearing stored session: %w", err)
	}
	return nil
}

// EnsureValidToken returns a token the caller may use right away.
// Once the token reached its renewal moment, it waits for the shared refresh first.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	token, err := m.ensureValid(ctx)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

func (m *Manager) ensureValid(ctx context.Context) (Token, error) {
	m.mu.Lock()
	now := m.clock.Now()
	if !m.liveLocked(ctx, now) {
		m.mu.Unlock()
		return Token{}, ErrNotSignedIn
	}
	if now.Before(m.scheduledAt) {
		token := *m.token
		m.mu.Unlock()
		return token, nil
	}

	m.logger.DebugContext(ctx, "token due for renewal, refreshing before use")
	call := m.joinRefreshAsCallerLocked()
	m.mu.Unlock()

	return call.wait(ctx)
}

// RefreshSilently renews the token without user interaction. Concurrent callers
// share one provider request. Returns ErrNotSignedIn without a live session.
func (m *Manager) RefreshSilently(ctx context.Context) (string, error) {
	m.mu.Lock()
	if !m.liveLocked(ctx, m.clock.Now()) {
		m.mu.Unlock()
		return "", ErrNotSignedIn
	}
	call := m.joinRefreshAsCallerLocked()
	m.mu.Unlock()

	token, err := call.wait(ctx)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

// IsSignedIn reports whether a usable token is held. A token within the safety
// buffer of its expiry clears the session.
func (m *Manager) IsSignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liveLocked(context.Background(), m.clock.Now())
}

// TimeUntilExpiry returns the remaining lifetime of the token, or zero without one.
func (m *Manager) TimeUntilExpiry() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remainingLocked(m.clock.Now())
}

// CachedIdentity returns the cached profile of the signed-in user.
func (m *Manager) CachedIdentity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st := Status{
		SignedIn:         m.liveLocked(context.Background(), now),
		RefreshScheduled: m.timer != nil,
		Refreshing:       m.refresh != nil,
	}
	if m.token != nil {
		st.ExpiresAt = m.token.ExpiresAt
		st.TimeUntilExpiry = m.remainingLocked(now)
		st.ScheduledRefresh = m.scheduledAt
	}
	if m.identity != nil {
		id := *m.identity
		st.Identity = &id
	}
	return st
}

// OnSessionExpired registers a handler invoked after a failed silent refresh
// ended the session. Handlers run on the refreshing goroutine and should not block.
func (m *Manager) OnSessionExpired(handler func()) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredHandlers = append(m.expiredHandlers, handler)
}

// Close stops the renewal timer and releases waiters of an in-flight refresh with
// ErrClosed. Stored state is kept so the next process can resume the session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.stopTimerLocked()
	m.abandonRefreshLocked(ErrClosed)
	return nil
}

// acquire asks the provider for a token inside a span. Callers count the outcome
// with countAcquisition once they know whether the result is used.
func (m *Manager) acquire(ctx context.Context, req TokenRequest, kind string) (*Grant, error) {
	ctx, span := m.tracer.Start(ctx, "session.acquire", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Bool("request.interactive", req.Interactive),
		attribute.String("acquisition.kind", kind),
	))
	defer span.End()

	grant, err := m.requestToken(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		return nil, err
	}
	return grant, nil
}

func countAcquisition(kind string, err error) {
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeFailure
	}
	observability.TokenAcquisitions.WithLabelValues(kind, outcome).Inc()
}

// requestToken returns when the provider answers or ctx is done, whichever comes
// first, so a provider that never answers cannot wedge the caller.
func (m *Manager) requestToken(ctx context.Context, req TokenRequest) (*Grant, error) {
	type result struct {
		grant *Grant
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		grant, err := m.provider.RequestToken(ctx, req)
		ch <- result{grant: grant, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.grant == nil || r.grant.AccessToken == "" {
			return nil, errEmptyGrant
		}
		return r.grant, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commitLocked installs a freshly issued token, persists it and re-arms the timer.
// Persistence failures are logged: the in-memory session stays usable and the next
// acquisition retries the write.
func (m *Manager) commitLocked(ctx context.Context, grant *Grant) Token {
	now := m.clock.Now()
	lifetime := grant.ExpiresIn
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	m.generation++
	m.token = &Token{Value: grant.AccessToken, ExpiresAt: now.Add(lifetime)}
	m.scheduledAt = m.scheduleFor(now, m.token.ExpiresAt)

	m.stopTimerLocked()
	if !m.closed {
		m.armTimerLocked(nextFireDelay(now, m.scheduledAt))
	}

	if err := m.persistLocked(context.WithoutCancel(ctx)); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist session", "error", err)
	}
	observability.TokenExpiry.Set(float64(m.token.ExpiresAt.Unix()))
	return *m.token
}

// scheduleFor returns the renewal moment for a token expiring at expiresAt.
// Tokens shorter-lived than the renewal window are renewed halfway through their
// usable lifetime instead of immediately, which would loop.
func (m *Manager) scheduleFor(now, expiresAt time.Time) time.Time {
	at := expiresAt.Add(-m.renewalWindow)
	if at.After(now) {
		return at
	}
	usable := expiresAt.Add(-m.safetyBuffer).Sub(now)
	if usable <= 0 {
		return now
	}
	return now.Add(usable / 2)
}

// clearLocked drops the session from memory and store.
func (m *Manager) clearLocked(ctx context.Context) error {
	m.generation++
	m.epoch++
	m.stopTimerLocked()
	m.token = nil
	m.scheduledAt = time.Time{}
	m.identity = nil
	observability.TokenExpiry.Set(0)

	if err := m.persistLocked(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to clear stored session", "error", err)
		return err
	}
	return nil
}

// usableAt reports whether t may be handed out at now.
func (m *Manager) usableAt(t *Token, now time.Time) bool {
	return now.Before(t.ExpiresAt.Add(-m.safetyBuffer))
}

// liveLocked reports whether a usable token is held, clearing an expired one.
func (m *Manager) liveLocked(ctx context.Context, now time.Time) bool {
	if m.token == nil {
		return false
	}
	if m.usableAt(m.token, now) {
		return true
	}

	m.logger.InfoContext(ctx, "token expired, clearing session", "expired_at", m.token.ExpiresAt)
	_ = m.clearLocked(context.WithoutCancel(ctx))
	return false
}

func (m *Manager) remainingLocked(now time.Time) time.Duration {
	if m.token == nil {
		return 0
	}
	return max(0, m.token.ExpiresAt.Sub(now))
}

// fetchIdentityLocked populates the identity cache in the background if it is empty.
func (m *Manager) fetchIdentityLocked() {
	if m.identity != nil || m.fetchingIdentity || m.token == nil {
		return
	}
	m.fetchingIdentity = true
	go m.fetchIdentity(m.epoch, m.token.Value)
}

func (m *Manager) fetchIdentity(epoch uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), identityFetchTimeout)
	defer cancel()

	id, err := m.provider.FetchIdentity(ctx, token)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchingIdentity = false

	if err != nil {
		m.logger.WarnContext(ctx, "failed to fetch identity", "error", err)
		return
	}
	if id == nil || m.epoch != epoch || m.token == nil {
		return
	}

	m.identity = id
	if err := m.persistIdentityLocked(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist identity", "error", err)
	}
	m.logger.InfoContext(ctx, "identity cached", "email", id.Email)
}
