package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/identity"
)

const apiPrefix = "/api/v1alpha1"

// maxPayloadBytes caps entity and command payloads at 1 MiB.
const maxPayloadBytes = 1 << 20

// entityBasePath returns the collection path for one entity type. Cache
// invalidation relies on every read of the type sharing this prefix.
func entityBasePath(t entities.Type) string {
	return apiPrefix + "/entities/" + string(t)
}

// submitCommandHandler handles POST .../commands: a raw command envelope in,
// the full reply envelope out.
func (s *Server) submitCommandHandler(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	var cmd commands.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode command: %v", err))
		return
	}

	reply, ok := s.execute(w, r, cmd)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// listHandler handles GET .../entities/{entityType}. With ?key= it resolves
// one entity by composite key instead of listing the collection.
func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	if key := r.URL.Query().Get("key"); key != "" {
		reply, ok := s.execute(w, r, commands.Command{
			Kind:         commands.KindGetByKey,
			EntityType:   t,
			CompositeKey: key,
		})
		if !ok {
			return
		}
		writeRaw(w, http.StatusOK, reply.Entity)
		return
	}

	reply, ok := s.execute(w, r, commands.Command{Kind: commands.KindList, EntityType: t})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     reply.Entities,
		"totalSize": len(reply.Entities),
	})
}

// getHandler handles GET .../entities/{entityType}/{id}
func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindGet,
		EntityType: t,
		TargetID:   chi.URLParam(r, "id"),
	})
	if !ok {
		return
	}
	writeRaw(w, http.StatusOK, reply.Entity)
}

// referencesHandler handles GET .../entities/{entityType}/{id}/references
func (s *Server) referencesHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindReferenceInventory,
		EntityType: t,
		TargetID:   chi.URLParam(r, "id"),
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reply.References)
}

// validateDeletionHandler handles GET .../entities/{entityType}/{id}/validate-deletion.
// A blocked deletion is still a successful validation, so the result comes
// back with 200 either way.
func (s *Server) validateDeletionHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindValidateDeletion,
		EntityType: t,
		TargetID:   chi.URLParam(r, "id"),
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reply.Validation)
}

// createHandler handles POST .../entities/{entityType}
func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}
	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindCreate,
		EntityType: t,
		Payload:    payload,
	})
	if !ok {
		return
	}
	writeRaw(w, http.StatusCreated, reply.Entity)
}

// updateHandler handles PUT .../entities/{entityType}/{id}
func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}
	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindUpdate,
		EntityType: t,
		TargetID:   chi.URLParam(r, "id"),
		Payload:    payload,
	})
	if !ok {
		return
	}
	writeRaw(w, http.StatusOK, reply.Entity)
}

// deleteHandler handles DELETE .../entities/{entityType}/{id}. Deleting an
// absent entity reports deleted=false rather than an error.
func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	reply, ok := s.execute(w, r, commands.Command{
		Kind:       commands.KindDelete,
		EntityType: t,
		TargetID:   chi.URLParam(r, "id"),
	})
	if !ok {
		return
	}

	deleted := reply.Deleted != nil && *reply.Deleted
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// execute runs one command through the bus, stamping the request principal
// as its actor. Failures are written to w; the second return reports whether
// the caller should continue with the reply.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd commands.Command) (commands.Reply, bool) {
	// The authenticated principal decides who acted, never the payload.
	cmd.Actor = identity.ActorFromContext(r.Context())

	reply, err := s.bus.Execute(r.Context(), cmd)
	if err != nil {
		if errors.Is(err, commands.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "command queue full, retry later")
			return reply, false
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("execute command: %v", err))
		return reply, false
	}

	s.metrics.ObserveCommand(cmd, reply)
	if reply.Error != nil {
		writeReplyError(w, reply)
		return reply, false
	}
	return reply, true
}

// readPayload reads a capped, non-empty request body.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read request body: %v", err))
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return nil, false
	}
	return body, true
}

// entityTypeParam resolves the {entityType} route parameter.
func entityTypeParam(w http.ResponseWriter, r *http.Request) (entities.Type, bool) {
	t := entities.Type(chi.URLParam(r, "entityType"))
	if !t.Valid() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown entity type %q", t))
		return "", false
	}
	return t, true
}

// writeReplyError maps a command error onto an HTTP status, carrying the
// validation result along when the reply has one.
func writeReplyError(w http.ResponseWriter, reply commands.Reply) {
	body := map[string]any{
		"error":   string(reply.Error.Kind),
		"message": reply.Error.Message,
	}
	if reply.Validation != nil {
		body["validation"] = reply.Validation
	}
	writeJSON(w, statusForErrorKind(reply.Error.Kind), body)
}

func statusForErrorKind(kind commands.ErrorKind) int {
	switch kind {
	case commands.ErrorDuplicateKey, commands.ErrorReferenceConflict:
		return http.StatusConflict
	case commands.ErrorNotFound:
		return http.StatusNotFound
	case commands.ErrorInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
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

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
