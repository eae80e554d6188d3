package httpserver

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/pivox/tradingV3/internal/app/dispatcher"
)

const (
	signalSubmitPath  = "/signals/submit"
	signalClosePath   = "/signals/close"
	signalPausePath   = "/signals/pause"
	signalResumePath  = "/signals/resume"
	priorityOrderPath = "/priority/order"
	queueSizePath     = "/queue/size"
	statsPath         = "/stats"
)

type dispatchServer struct {
	worker *dispatcher.Worker
}

// NewDispatchHandler creates the control handler for the dispatcher daemon.
func NewDispatchHandler(worker *dispatcher.Worker) http.Handler {
	server := &dispatchServer{worker: worker}
	mux := http.NewServeMux()

	mux.Handle(signalSubmitPath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitSignals,
	}))
	mux.Handle(signalClosePath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.closeWorker,
	}))
	mux.Handle(signalPausePath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.pauseBuckets,
	}))
	mux.Handle(signalResumePath, methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resumeBuckets,
	}))
	mux.Handle(priorityOrderPath, methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.setPriorityOrder,
	}))
	mux.Handle(queueSizePath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getQueueSize,
	}))
	mux.Handle(statsPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))

	return withCORS(mux)
}

func (s *dispatchServer) submitSignals(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var batch map[string][]map[string]any
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "bucket map required")
		return
	}
	if err := s.worker.Submit(r.Context(), batch); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *dispatchServer) closeWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.Close(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

type bucketsPayload struct {
	Buckets []string `json:"buckets"`
}

func decodeBuckets(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload bucketsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return nil, false
	}
	if len(payload.Buckets) == 0 {
		writeError(w, http.StatusBadRequest, "buckets required")
		return nil, false
	}
	return payload.Buckets, true
}

func (s *dispatchServer) pauseBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, ok := decodeBuckets(w, r)
	if !ok {
		return
	}
	if err := s.worker.PauseBuckets(r.Context(), buckets); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused", "buckets": buckets})
}

func (s *dispatchServer) resumeBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, ok := decodeBuckets(w, r)
	if !ok {
		return
	}
	if err := s.worker.ResumeBuckets(r.Context(), buckets); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed", "buckets": buckets})
}

type orderPayload struct {
	Order []string `json:"order"`
}

func (s *dispatchServer) setPriorityOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var payload orderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.worker.SetPriorityOrder(r.Context(), payload.Order); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *dispatchServer) getQueueSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.worker.QueueSize(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"size": size})
}

func (s *dispatchServer) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.worker.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
