package relay

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// SSEHandler streams UI events. Clients may filter with
// ?feeds=canvases,session and ?tab=3.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var feedFilter map[string]bool
		if q := r.URL.Query().Get("feeds"); q != "" {
			feedFilter = make(map[string]bool)
			for _, f := range strings.Split(q, ",") {
				if f = strings.TrimSpace(f); f != "" {
					feedFilter[f] = true
				}
			}
		}
		tabFilter := -1
		if q := r.URL.Query().Get("tab"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 0 {
				http.Error(w, "invalid tab", http.StatusBadRequest)
				return
			}
			tabFilter = n
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if feedFilter != nil && !feedFilter[evt.Feed] {
					continue
				}
				if tabFilter >= 0 && evt.TabID != tabFilter {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: {\"tab_id\":%d,\"data\":%s}\n\n", evt.Feed, evt.TabID, evt.Payload)
				flusher.Flush()
			}
		}
	}
}
