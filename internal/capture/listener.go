package capture

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gridwatt/dukeusage/internal/logger"
	"go.uber.org/zap"
)

const (
	defaultListenerPort = 9877
	listenerTimeout     = 5 * time.Minute
)

const callbackPage = `<!DOCTYPE html>
<html><body>
<h2>Login complete</h2>
<p>You can close this tab and return to the terminal.</p>
</body></html>`

// Listener is a loopback HTTP server that captures one HTTPS-callback
// redirect and hands its parameters back to the login flow. It only
// serves the callback path on 127.0.0.1 and shuts down after delivering
// a single result or timing out.
type Listener struct {
	server  *http.Server
	addr    string
	results chan *Callback
}

// NewListener binds the loopback callback listener, falling back to an
// ephemeral port when the preferred one is taken.
func NewListener() (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", defaultListenerPort))
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback listener: %w", err)
		}
	}

	l := &Listener{
		addr:    ln.Addr().String(),
		results: make(chan *Callback, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handleCallback)

	l.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("callback listener error", zap.Error(err))
		}
	}()

	logger.Debug("callback listener started", zap.String("url", l.URL()))
	return l, nil
}

// URL returns the callback URL to register as the flow's redirect target.
func (l *Listener) URL() string {
	return fmt.Sprintf("http://%s/callback", l.addr)
}

// Wait blocks until a callback arrives, the context is canceled, or the
// listener times out.
func (l *Listener) Wait(ctx context.Context) (*Callback, error) {
	defer l.Close()
	select {
	case cb := <-l.results:
		return cb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(listenerTimeout):
		return nil, fmt.Errorf("timed out waiting for the login redirect")
	}
}

// Close shuts the listener down. Safe to call more than once.
func (l *Listener) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.server.Shutdown(ctx)
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	cb, err := ParseRedirect(r.URL.String())
	if err != nil {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))

	select {
	case l.results <- cb:
	default:
		// a result was already delivered; later hits are ignored
	}
}
