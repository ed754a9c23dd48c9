package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const callbackPath = "/oauth2/callback"

// callbackResult is the outcome of one consent redirect.
type callbackResult struct {
	code string
	err  error
}

// loopback receives consent redirects on a local port and routes them to the
// waiting request by their state parameter. The listener is started on first use.
type loopback struct {
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	pending  map[string]chan callbackResult
	closed   bool
}

func newLoopback(addr string, logger *slog.Logger) *loopback {
	return &loopback{
		addr:    addr,
		logger:  logger,
		pending: make(map[string]chan callbackResult),
	}
}

// register prepares to receive the redirect for state. The returned cancel
// function must be called once the caller stops waiting.
func (l *loopback) register(state string) (redirectURL string, results <-chan callbackResult, cancel func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", nil, nil, errClosed
	}
	if _, exists := l.pending[state]; exists {
		return "", nil, nil, fmt.Errorf("consent request %s already pending", state)
	}
	if err := l.startLocked(); err != nil {
		return "", nil, nil, err
	}

	ch := make(chan callbackResult, 1)
	l.pending[state] = ch
	cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.pending, state)
	}
	return "http://" + l.listener.Addr().String() + callbackPath, ch, cancel, nil
}

func (l *loopback) startLocked() error {
	if l.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listening for consent redirect on %s: %w", l.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, l.handleCallback)
	l.listener = ln
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("consent redirect listener failed", "error", err)
		}
	}()
	l.logger.Debug("consent redirect listener started", "address", ln.Addr().String())
	return nil
}

func (l *loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	l.mu.Lock()
	ch, ok := l.pending[state]
	delete(l.pending, state)
	l.mu.Unlock()

	if !ok {
		l.logger.WarnContext(r.Context(), "consent redirect for unknown request", "state", state)
		http.Error(w, "Unknown or expired sign-in request.", http.StatusBadRequest)
		return
	}

	var res callbackResult
	switch {
	case q.Get("error") != "":
		res.err = fmt.Errorf("%w: %s", ErrConsentDenied, q.Get("error"))
	case q.Get("code") == "":
		res.err = fmt.Errorf("%w: redirect carried no authorization code", ErrConsentDenied)
	default:
		res.code = q.Get("code")
	}
	ch <- res

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.err != nil {
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprintln(w, "Sign-in was not completed. You can close this window.")
		return
	}
	_, _ = fmt.Fprintln(w, "Signed in. You can close this window.")
}

// close stops the listener and fails every pending request.
func (l *loopback) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for state, ch := range l.pending {
		ch <- callbackResult{err: errClosed}
		delete(l.pending, state)
	}
	if l.server == nil {
		return nil
	}
	return l.server.Close()
}
