package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/dmplugins/plugin-manager/internal/events"
)

const eventWriteTimeout = 10 * time.Second

func ListEvents(w http.ResponseWriter, r *http.Request) {
	n := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string][]events.Event{"events": Events.Recent(n)})
}

// StreamEvents sends the stored events, then every new one, as JSON text
// messages until the client goes away.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	// Subscribe before reading the backlog so nothing falls in between.
	ch, cancel := Events.Subscribe()
	defer cancel()
	backlog := Events.Recent(0)

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client closes.
	ctx := conn.CloseRead(r.Context())

	for _, e := range backlog {
		if err := writeEvent(ctx, conn, e); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if containsEvent(backlog, e) {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func containsEvent(list []events.Event, e events.Event) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}
