package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/livestate"
	"github.com/civic-os/reflections/internal/middleware"
)

const (
	keepAliveInterval = 25 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// streamHandle is the session handle, or ?handle= when signed out.
func streamHandle(r *http.Request) string {
	if handle := middleware.GetHandle(r.Context()); handle != "" {
		return handle
	}
	return strings.ToLower(strings.TrimSpace(r.URL.Query().Get("handle")))
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) (*livestate.Subscription, bool) {
	handle := streamHandle(r)
	if handle == "" {
		httputil.WriteError(w, r, svcerrors.Validation("handle", "handle is required"))
		return nil, false
	}
	sub, err := h.app.Hub.Subscribe(r.Context(), handle)
	if err != nil {
		if errors.Is(err, livestate.ErrHubClosed) {
			err = svcerrors.Unavailable("livestate", err)
		}
		httputil.WriteError(w, r, err)
		return nil, false
	}
	return sub, true
}

// stream serves live state as server-sent events.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, r, svcerrors.Internal("streaming unsupported", nil))
		return
	}
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// streamWS mirrors the event stream over a WebSocket. Client messages are
// ignored; a read error or close frame ends the subscription.
func (h *handler) streamWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// checkOrigin applies the CORS origin list to WebSocket upgrades. Requests
// without an Origin header (non-browser clients) are allowed.
func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.app.Config().Server.CORSOrigins {
		allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
