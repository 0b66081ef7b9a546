package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ListEventsHandler handles GET .../audit/events
// Query params: entityType, entityId, action, actor, pageSize, pageToken
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := Filter{
			EntityType: r.URL.Query().Get("entityType"),
			EntityID:   r.URL.Query().Get("entityId"),
			Action:     r.URL.Query().Get("action"),
			Actor:      r.URL.Query().Get("actor"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
			return
		}

		events := make([]eventResponse, len(records))
		for i, rec := range records {
			events[i] = recordToResponse(rec)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        events,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// GetEventHandler handles GET .../audit/events/{eventId}
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		if eventID == "" {
			writeError(w, http.StatusBadRequest, "missing event ID")
			return
		}

		record, err := store.GetByID(r.Context(), eventID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get audit event: %v", err))
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit event %q not found", eventID))
			return
		}

		writeJSON(w, http.StatusOK, recordToResponse(*record))
	}
}

// eventResponse is the API response for an audit record.
type eventResponse struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	CompositeKey string          `json:"compositeKey,omitempty"`
	Action       string          `json:"action"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   string          `json:"occurredAt"`
}

func recordToResponse(rec EventRecord) eventResponse {
	return eventResponse{
		ID:           rec.ID,
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		CompositeKey: rec.CompositeKey,
		Action:       rec.Action,
		Actor:        rec.Actor,
		Payload:      json.RawMessage(rec.Payload),
		OccurredAt:   rec.OccurredAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
