package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agreementflow/realtime"
	"agreementflow/workflow"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams the flow as server-sent events. The first event is
// the authoritative state; later events are full states in version order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	agreementID := chi.URLParam(r, "agreementID")
	if _, err := s.flowService.GetFlow(r.Context(), agreementID); err != nil {
		writeServiceError(w, err)
		return
	}

	// Holds at most the newest undelivered state.
	updates := make(chan workflow.FlowState, 1)
	offer := func(st workflow.FlowState) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}

	ctx := r.Context()
	session := realtime.NewSession(agreementID, s.flowService, s.flowService, realtime.WithOnChange(offer))
	go func() { _ = session.Run(ctx) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st := <-updates:
			if err := writeEvent(w, st); err != nil {
				log.Printf("api: events %s: %v", agreementID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, st workflow.FlowState) error {
	data, err := json.Marshal(toFlowResponse(st))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: flow\ndata: %s\n\n", st.Version, data)
	return err
}
