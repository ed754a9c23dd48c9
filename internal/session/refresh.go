package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/stringart-drive/internal/observability"
)

// refreshCall is one silent renewal shared by every caller that asked for it
// while it was running.
type refreshCall struct {
	id         string
	generation uint64
	cancel     context.CancelFunc

	// done is closed once token and err are set
	done  chan struct{}
	token Token
	err   error
}

// resolve publishes the outcome. Must be called exactly once, under the manager lock.
func (c *refreshCall) resolve(token Token, err error) {
	c.token = token
	c.err = err
	close(c.done)
}

func (c *refreshCall) wait(ctx context.Context) (Token, error) {
	select {
	case <-c.done:
		return c.token, c.err
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// joinRefreshAsCallerLocked is joinRefreshLocked for token consumers, counting
// those that piggyback on a refresh already in flight.
func (m *Manager) joinRefreshAsCallerLocked() *refreshCall {
	if m.refresh != nil {
		observability.RefreshWaiters.Inc()
	}
	return m.joinRefreshLocked()
}

// joinRefreshLocked returns the running refresh, starting one if none is in flight.
func (m *Manager) joinRefreshLocked() *refreshCall {
	if m.refresh != nil {
		return m.refresh
	}

	call := &refreshCall{
		id:         uuid.NewString(),
		generation: m.generation,
		done:       make(chan struct{}),
	}
	if m.closed {
		call.cancel = func() {}
		call.resolve(Token{}, ErrClosed)
		return call
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	call.cancel = cancel
	m.refresh = call

	go m.runRefresh(ctx, call)
	return call
}

// runRefresh performs the provider request for call and applies its outcome.
func (m *Manager) runRefresh(ctx context.Context, call *refreshCall) {
	defer call.cancel()

	logger := m.logger.With("request_id", call.id)
	logger.InfoContext(ctx, "attempting silent token refresh")

	grant, err := m.acquire(ctx, TokenRequest{ID: call.id, Interactive: false}, observability.AcquisitionRefresh)

	m.mu.Lock()
	if m.refresh != call {
		// Abandoned by SignOut or Close; waiters were already released
		m.mu.Unlock()
		logger.InfoContext(ctx, "discarding result of abandoned refresh")
		observability.TokenAcquisitions.WithLabelValues(observability.AcquisitionRefresh, observability.OutcomeAbandoned).Inc()
		return
	}
	m.refresh = nil
	countAcquisition(observability.AcquisitionRefresh, err)

	if call.generation != m.generation {
		// The session was replaced or cleared meanwhile; the current state wins
		defer m.mu.Unlock()
		if m.liveLocked(ctx, m.clock.Now()) {
			call.resolve(*m.token, nil)
		} else {
			call.resolve(Token{}, ErrNotSignedIn)
		}
		logger.InfoContext(ctx, "session changed during refresh, result discarded")
		return
	}

	if err != nil {
		_ = m.clearLocked(context.Background())
		call.resolve(Token{}, fmt.Errorf("%w: %w", ErrSilentRefreshFailed, err))
		handlers := slices.Clone(m.expiredHandlers)
		m.mu.Unlock()

		observability.SessionExpirations.Inc()
		logger.WarnContext(ctx, "silent token refresh failed, session expired; sign in again", "error", err)
		for _, h := range handlers {
			h()
		}
		return
	}

	token := m.commitLocked(ctx, grant)
	refreshAt := m.scheduledAt
	call.resolve(token, nil)
	m.mu.Unlock()

	logger.InfoContext(ctx, "silent token refresh succeeded", "expires_at", token.ExpiresAt, "refresh_at", refreshAt)
}

// abandonRefreshLocked releases waiters of the in-flight refresh with err and
// cancels its provider request. Its eventual result is ignored.
func (m *Manager) abandonRefreshLocked(err error) {
	if m.refresh == nil {
		return
	}
	call := m.refresh
	m.refresh = nil
	call.cancel()
	call.resolve(Token{}, err)
}

// armTimerLocked schedules a silent refresh after delay, replacing any armed timer.
func (m *Manager) armTimerLocked(delay time.Duration) {
	m.stopTimerLocked()
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(seq) })
}

func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// onTimer starts the scheduled refresh unless the timer was superseded.
func (m *Manager) onTimer(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.timerSeq || m.token == nil || m.closed {
		return
	}
	m.timer = nil
	m.joinRefreshLocked()
}
