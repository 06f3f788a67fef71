package setup

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	logsWriteWait  = 10 * time.Second
	logsPingPeriod = 30 * time.Second
	defaultTail    = 200
)

// handleLogs streams gateway output over a websocket: first the retained
// tail, then every new line as JSON.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultTail
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("[setup] Log stream upgrade failed")
		return
	}
	defer conn.Close()

	out := h.gw.Output()
	// Subscribe before reading the tail so no line falls between the two.
	lines, cancel := out.Subscribe(256)
	defer cancel()

	var lastSeq int64
	if tail > 0 {
		for _, l := range out.Tail(tail) {
			_ = conn.SetWriteDeadline(time.Now().Add(logsWriteWait))
			if err := conn.WriteJSON(l); err != nil {
				return
			}
			lastSeq = l.Seq
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(logsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			if l.Seq <= lastSeq {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(logsWriteWait))
			if err := conn.WriteJSON(l); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(logsWriteWait)); err != nil {
				return
			}
		}
	}
}
