package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/marketrelay/internal/accounts"
	"github.com/pysugar/marketrelay/internal/notify"
)

var heartbeatInterval = 15 * time.Second

// EventsHandler streams new-message notifications of one account as
// Server-Sent Events.
// GET /accounts/{platform}/{accountRef}/events
func EventsHandler(accts *accounts.Registry, hub *notify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := loadAccount(w, r, accts)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, envelope{Error: "streaming unsupported"})
			return
		}

		events, cancel := hub.Subscribe(acct.ID)
		defer cancel()

		SetSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, ": subscribed %s\n\n", acct.ID)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.MessageID, ev.Type, data)
				flusher.Flush()
			}
		}
	}
}
