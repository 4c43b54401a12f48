package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/fanout"
)

// handleStream serves a wishlist's snapshots as server-sent events until the
// client disconnects or the hub drops the subscriber.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	wishlistID, _, ok := s.pathIDs(w, r, false)
	if !ok {
		return
	}
	if err := s.svc.WishlistExists(r.Context(), wishlistID); err != nil {
		s.respondServiceError(w, err, "open stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := fanout.NewChannelSubscriber(s.opts.SubscriberBuffer)
	s.hub.Subscribe(wishlistID, sub)
	defer func() {
		s.hub.Unsubscribe(wishlistID, sub)
		sub.Close()
	}()

	log := s.logger.WithFields(logrus.Fields{"wishlist_id": wishlistID, "subscriber": sub.ID})
	log.Debug("Stream opened")

	// Tells the client the subscription is live; it should load the
	// aggregate view after this.
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Stream closed by client")
			return
		case <-sub.Done():
			log.Debug("Stream dropped by hub")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap := <-sub.Outbound():
			payload, err := json.Marshal(snap)
			if err != nil {
				log.WithError(err).Warn("Failed to marshal snapshot")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", snap.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
