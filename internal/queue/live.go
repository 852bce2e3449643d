package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/city-services/internal/events"
)

// liveMessage is what waiting-room screens receive.
type liveMessage struct {
	Type    string           `json:"type"` // "summary", "event", "pong", "error"
	Summary *summaryView     `json:"summary,omitempty"`
	Event   *events.Envelope `json:"event,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type liveInbound struct {
	Type string `json:"type"` // "ping"
}

// WithLive enables the websocket feed backed by the outbox pub/sub channel.
func (h *Handler) WithLive(client *redis.Client) *Handler {
	h.live = client
	return h
}

// Live streams the clinic's queue events over a websocket. The first frame
// is the current summary; every published envelope follows.
// GET /clinics/{clinicID}/queue/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := uuidParam(r, "clinicID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid clinic id")
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveLive(conn, r, clinicID)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveLive(conn *websocket.Conn, r *http.Request, clinicID uuid.UUID) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := h.logger.With("clinic_id", clinicID.String())
	// Server read/write timeouts outlive the hijack; the feed is long lived.
	_ = conn.SetDeadline(time.Time{})

	sub := h.live.Subscribe(ctx, events.ChannelFor(clinicID.String()))
	defer sub.Close()
	// Wait for the subscription so nothing published after the summary is lost.
	if _, err := sub.Receive(ctx); err != nil {
		log.Warn("live: subscribe failed", "error", err)
		_ = websocket.JSON.Send(conn, liveMessage{Type: "error", Error: "live updates unavailable"})
		return
	}

	summary, err := h.svc.NowServing(ctx, clinicID, h.svc.Today())
	if err != nil {
		log.Warn("live: summary unavailable", "error", err)
		_ = websocket.JSON.Send(conn, liveMessage{Type: "error", Error: "queue status unavailable"})
	} else {
		view := toSummaryView(summary)
		if err := websocket.JSON.Send(conn, liveMessage{Type: "summary", Summary: &view}); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		for {
			var in liveInbound
			if err := websocket.JSON.Receive(conn, &in); err != nil {
				return
			}
			if in.Type == "ping" {
				_ = websocket.JSON.Send(conn, liveMessage{Type: "pong"})
			}
		}
	}()

	log.Info("live: connection opened")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Debug("live: connection closed")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn("live: dropping malformed envelope", "error", err)
				continue
			}
			if err := websocket.JSON.Send(conn, liveMessage{Type: "event", Event: &env}); err != nil {
				log.Debug("live: send failed", "error", err)
				return
			}
		}
	}
}
