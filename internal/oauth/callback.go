package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// callbackAutoClose and callbackMaxIdle match §4.G: "auto-closes 2s after
// a callback or 5 min otherwise".
const (
	callbackAutoClose = 2 * time.Second
	callbackMaxIdle   = 5 * time.Minute
)

// CallbackResult is delivered to the sink when the OAuth provider redirects
// back with a code (or an error).
type CallbackResult struct {
	State string
	Code  string
	Error string
}

// CallbackListener binds a single whitelisted port and serves exactly one
// path. Only one instance may be active at a time; starting a new one
// closes any prior listener first (§4.G).
type CallbackListener struct {
	mu     sync.Mutex
	server *http.Server
	cancel context.CancelFunc
}

// NewCallbackListener constructs an idle listener manager.
func NewCallbackListener() *CallbackListener {
	return &CallbackListener{}
}

// Start binds addr (host:port) and path, invoking sink exactly once per
// accepted callback request, then closing itself per the auto-close rules.
func (l *CallbackListener) Start(addr, path string, sink func(CallbackResult)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		l.cancel()
		_ = l.server.Close()
		l.server = nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("oauth: callback listener bind %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	closeCh := make(chan struct{}, 1)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := CallbackResult{
			State: q.Get("state"),
			Code:  q.Get("code"),
			Error: q.Get("error"),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>You may close this window.</body></html>"))
		sink(res)
		select {
		case closeCh <- struct{}{}:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	l.server = srv
	l.cancel = cancel

	go func() {
		_ = srv.Serve(ln)
	}()

	go func() {
		select {
		case <-closeCh:
			time.Sleep(callbackAutoClose)
		case <-time.After(callbackMaxIdle):
		case <-ctx.Done():
			return
		}
		l.mu.Lock()
		if l.server == srv {
			l.server = nil
		}
		l.mu.Unlock()
		_ = srv.Close()
	}()

	return nil
}

// Stop closes any active listener.
func (l *CallbackListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		l.cancel()
		_ = l.server.Close()
		l.server = nil
	}
}
