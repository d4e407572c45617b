package relayapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"screenrelay/cmd/internal/relay"
	v1 "screenrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	watchDefaultWriteTimeout = 5 * time.Second
	watchDefaultMaxWait      = 60 * time.Second
	watchReadLimit           = 4 << 10
)

// WatchGateway streams status events for one request over a websocket.
//
// The stream sends the current status on connect, then the completed status with the
// payload once an upload commits, then closes. It never replaces polling; requests that
// are reaped mid-watch end with a going-away close and no event.
type WatchGateway struct {
	log *slog.Logger
	svc *relay.Service
	hub *relay.Hub

	originPatterns []string
	writeTimeout   time.Duration
	maxWait        time.Duration
}

// NewWatchGateway constructs a gateway. allowedOrigins are full origins ("https://x.example");
// an empty list accepts only same-host browser origins and non-browser clients.
func NewWatchGateway(log *slog.Logger, svc *relay.Service, allowedOrigins []string, maxWait time.Duration) (*WatchGateway, error) {
	if svc == nil || svc.Hub() == nil {
		return nil, errors.New("relayapi: watch needs a service with a hub")
	}
	if log == nil {
		log = slog.Default()
	}
	if maxWait <= 0 {
		maxWait = watchDefaultMaxWait
	}
	return &WatchGateway{
		log:            log,
		svc:            svc,
		hub:            svc.Hub(),
		originPatterns: originPatterns(allowedOrigins),
		writeTimeout:   watchDefaultWriteTimeout,
		maxWait:        maxWait,
	}, nil
}

func (g *WatchGateway) serveWatch(w http.ResponseWriter, r *http.Request, id string) {
	// Subscribe before the first read so an upload between the two is not missed.
	sub := g.hub.Subscribe(id)
	defer sub.Close()

	res, err := g.svc.PollResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeError(w, http.StatusNotFound, v1.CodeNotFound, "Request not found")
			return
		}
		g.log.Error("watch.poll.fail", "request_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, v1.CodeInternal, "internal error")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.WatchSubprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Info("watch.accept.fail", "request_id", id, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.WatchSubprotocol {
		g.log.Info("watch.reject.subprotocol", "got", sp, "want", v1.WatchSubprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(watchReadLimit)

	ctx, cancel := context.WithTimeout(r.Context(), g.maxWait)
	defer cancel()
	// The client never sends data; CloseRead handles control frames and cancels ctx on close.
	ctx = conn.CloseRead(ctx)

	g.log.Info("watch.open", "request_id", id, "status", res.State.String())

	if err := g.send(ctx, conn, res); err != nil {
		g.log.Info("watch.write.fail", "request_id", id, "err", err)
		return
	}

	for res.State != relay.StateCompleted {
		select {
		case <-ctx.Done():
			g.log.Info("watch.close", "request_id", id, "reason", "context_done")
			_ = conn.Close(websocket.StatusNormalClosure, "watch ended")
			return
		case <-sub.C:
		}

		res, err = g.svc.PollResult(ctx, id)
		if errors.Is(err, relay.ErrNotFound) {
			g.log.Info("watch.close", "request_id", id, "reason", "expired")
			_ = conn.Close(websocket.StatusGoingAway, "request expired")
			return
		}
		if err != nil {
			g.log.Error("watch.poll.fail", "request_id", id, "err", err)
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
		if res.State != relay.StateCompleted {
			continue
		}
		if err := g.send(ctx, conn, res); err != nil {
			g.log.Info("watch.write.fail", "request_id", id, "err", err)
			return
		}
	}

	g.log.Info("watch.close", "request_id", id, "reason", "completed")
	_ = conn.Close(websocket.StatusNormalClosure, v1.StatusCompleted)
}

func (g *WatchGateway) send(parent context.Context, conn *websocket.Conn, res relay.Result) error {
	ctx, cancel := context.WithTimeout(parent, g.writeTimeout)
	defer cancel()

	rr := toResultResponse(res)
	return wsjson.Write(ctx, conn, v1.WatchEvent{
		Type:      v1.EventTypeStatus,
		RequestID: res.RequestID,
		Status:    rr.Status,
		Payload:   rr.Payload,
	})
}

// originPatterns reduces full origins to the host patterns websocket.Accept expects.
// Wildcard hosts and ports are kept as path.Match patterns.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		// url.Parse rejects wildcard ports such as "http://127.0.0.1:*".
		if _, rest, ok := strings.Cut(o, "://"); ok {
			host, _, _ := strings.Cut(rest, "/")
			if host != "" {
				out = append(out, host)
				continue
			}
		}
		out = append(out, o)
	}
	return out
}
