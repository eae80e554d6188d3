package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/pivox/tradingV3/internal/app/syncer"
	"github.com/pivox/tradingV3/internal/position"
)

const (
	statusPath         = "/status"
	controlStartPath   = "/control/start"
	controlStopPath    = "/control/stop"
	subscriptionsPath  = "/subscriptions"
	subscriptionPrefix = subscriptionsPath + "/"
	positionStreamPath = "/ws/positions"

	streamWriteTimeout = 10 * time.Second
)

type syncServer struct {
	service *syncer.Service
}

// NewSyncHandler creates the control handler for the position sync daemon.
func NewSyncHandler(service *syncer.Service) http.Handler {
	server := &syncServer{service: service}
	mux := http.NewServeMux()

	mux.Handle(statusPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(controlStartPath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.startService,
	}))
	mux.Handle(controlStopPath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.stopService,
	}))
	mux.Handle(subscriptionPrefix, http.HandlerFunc(server.handleSubscription))
	mux.Handle(positionStreamPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamPositions,
	}))

	return withCORS(mux)
}

func (s *syncServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":     s.service.Running(),
		"sequence":    s.service.CurrentSequence(),
		"subscribers": s.service.Subscribers(),
		"channels":    s.service.Channels(),
	})
}

func (s *syncServer) startService(w http.ResponseWriter, r *http.Request) {
	if s.service.Start(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
}

func (s *syncServer) stopService(w http.ResponseWriter, _ *http.Request) {
	if s.service.Stop() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
}

func (s *syncServer) handleSubscription(w http.ResponseWriter, r *http.Request) {
	symbol := strings.Trim(strings.TrimPrefix(r.URL.Path, subscriptionPrefix), "/")
	if symbol == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}
	switch r.Method {
	case http.MethodPost:
		if err := s.service.SubscribeSymbol(r.Context(), symbol); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "subscribed",
			"symbol": strings.ToUpper(strings.TrimSpace(symbol)),
		})
	case http.MethodDelete:
		if err := s.service.UnsubscribeSymbol(r.Context(), symbol); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "unsubscribed",
			"symbol": strings.ToUpper(strings.TrimSpace(symbol)),
		})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodPost)
	}
}

// snapshotFrame is the first message on every position stream. Subscribers
// reconcile against it by sequence number before applying live events.
type snapshotFrame struct {
	Type      string               `json:"type"`
	Seq       uint64               `json:"seq"`
	Positions []*position.Position `json:"positions"`
}

func (s *syncServer) streamPositions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := position.NewFilter(
		splitList(query.Get("symbols")),
		splitList(query.Get("statuses")),
		splitList(query.Get("sides")),
		query.Get("user"),
	)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "stream ended") }()

	// Register before reading the snapshot so no event can fall between
	// the two. Events already covered by the snapshot arrive as harmless
	// duplicates; every event carries the full position record.
	sub := s.service.Subscribe(r.Context(), filter)
	defer s.service.Unsubscribe(sub.ID)

	positions := s.service.Snapshot(r.Context(), filter)
	frame := snapshotFrame{Type: "snapshot", Seq: s.service.CurrentSequence(), Positions: positions}

	ctx := conn.CloseRead(r.Context())
	if err := writeStreamFrame(ctx, conn, frame); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "service shutting down")
				return
			}
			if err := writeStreamFrame(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeStreamFrame(ctx context.Context, conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
