package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// PendingRequest is the one inbound request that satisfied the match. The
// client is kept waiting until Respond is called.
type PendingRequest struct {
	Query url.Values

	reply    chan reply
	done     chan struct{}
	teardown func()
}

type reply struct {
	status int
	body   string
}

// Respond answers the held request, then shuts the listener down.
func (p *PendingRequest) Respond(status int, body string) {
	p.reply <- reply{status: status, body: body}
	<-p.done
	p.teardown()
}

// AwaitRequest serves HTTP on ln until one request passes match. Requests
// that fail match are answered 400 with the match error and waiting goes
// on. The listener is closed once the matching request has been answered,
// or as soon as ctx ends.
func AwaitRequest(ctx context.Context, ln net.Listener, match func(*http.Request) error) (*PendingRequest, error) {
	matched := make(chan *PendingRequest, 1)
	var claimed atomic.Bool

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")

		if err := match(r); err != nil {
			logger.With(zap.String("path", r.URL.Path), zap.Error(err)).Warn("Rejected callback request")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !claimed.CompareAndSwap(false, true) {
			http.Error(w, "callback already received", http.StatusGone)
			return
		}

		p := &PendingRequest{
			Query: r.URL.Query(),
			reply: make(chan reply, 1),
			done:  make(chan struct{}),
			teardown: func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					srv.Close()
				}
			},
		}
		defer close(p.done)
		matched <- p

		select {
		case rep := <-p.reply:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(rep.status)
			_, _ = w.Write([]byte(rep.body))
		case <-r.Context().Done():
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case p := <-matched:
		return p, nil
	case err := <-serveErr:
		srv.Close()
		return nil, err
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	}
}
