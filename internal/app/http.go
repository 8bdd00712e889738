package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reliefhub/api/internal/coordinator"
	"reliefhub/api/internal/match"
	"reliefhub/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stats" {
		writeJSON(w, http.StatusOK, s.service.Stats().Snapshot())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/stats/rebuild" {
		snapshot, err := s.service.RebuildStats(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "requests":
			s.handleRequests(w, r, parts[2:])
			return
		case "volunteers":
			s.handleVolunteers(w, r, parts[2:])
			return
		case "assignments":
			s.handleAssignments(w, r, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var input coordinator.SubmitRequestInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			request, err := s.service.SubmitRequest(ctx, input)
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, request)
		case http.MethodGet:
			status := store.RequestStatus(strings.ToLower(r.URL.Query().Get("status")))
			requests, err := s.service.ListRequests(ctx, status)
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		switch parts[0] {
		case "search":
			query := r.URL.Query()
			limit, ok := queryInt(w, r, "limit")
			if !ok {
				return
			}
			offset, ok := queryInt(w, r, "offset")
			if !ok {
				return
			}
			response, err := s.service.SearchRequests(ctx, SearchInput{
				Text:     query.Get("q"),
				Status:   query.Get("status"),
				Category: query.Get("category"),
				Urgency:  query.Get("urgency"),
				Since:    query.Get("since"),
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, response)
		case "export":
			query := r.URL.Query()
			requests, err := s.service.ExportRequests(ctx, SearchInput{
				Text:     query.Get("q"),
				Status:   query.Get("status"),
				Category: query.Get("category"),
				Urgency:  query.Get("urgency"),
				Since:    query.Get("since"),
			})
			if err != nil {
				respondError(w, err)
				return
			}
			filename := fmt.Sprintf("requests-%s.csv", time.Now().UTC().Format("20060102-150405"))
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			w.WriteHeader(http.StatusOK)
			if err := writeRequestsCSV(w, requests); err != nil {
				log.Printf("export requests: %v", err)
			}
		case "queue":
			requests, err := s.service.Queue(ctx)
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
		default:
			request, err := s.service.GetRequest(ctx, parts[0])
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, request)
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	requestID, action := parts[0], parts[1]

	switch {
	case action == "candidates" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		candidates, err := s.service.Propose(ctx, requestID, match.Options{Limit: limit})
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})

	case action == "assignments" && r.Method == http.MethodGet:
		if _, err := s.service.GetRequest(ctx, requestID); err != nil {
			respondError(w, err)
			return
		}
		assignments, err := s.service.ListAssignments(ctx, requestID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})

	case action == "assign" && r.Method == http.MethodPost:
		var body struct {
			VolunteerID string `json:"volunteerId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var (
			assignment store.Assignment
			err        error
		)
		if volunteerID := strings.TrimSpace(body.VolunteerID); volunteerID != "" {
			assignment, err = s.service.Assign(ctx, requestID, volunteerID)
		} else {
			assignment, err = s.service.AutoAssign(ctx, requestID)
		}
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, assignment)

	case action == "cancel" && r.Method == http.MethodPost:
		request, err := s.service.CancelRequest(ctx, requestID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, request)

	case action == "geocode" && r.Method == http.MethodPost:
		request, err := s.service.RelocateRequest(ctx, requestID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, request)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleVolunteers(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var input coordinator.RegisterVolunteerInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			volunteer, err := s.service.RegisterVolunteer(ctx, input)
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, volunteer)
		case http.MethodGet:
			volunteers, err := s.service.ListVolunteers(ctx)
			if err != nil {
				respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"volunteers": volunteers})
		default:
			methodNotAllowed(w)
		}
		return
	}

	volunteerID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		volunteer, err := s.service.GetVolunteer(ctx, volunteerID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, volunteer)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "queue" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		opportunities, err := s.service.VolunteerQueue(ctx, volunteerID, match.Options{Limit: limit})
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": opportunities})

	case parts[1] == "availability" && r.Method == http.MethodPost:
		var body struct {
			Available *bool `json:"available"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Available == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "available is required", map[string]any{"field": "available"})
			return
		}
		volunteer, err := s.service.SetAvailability(ctx, volunteerID, *body.Available)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, volunteer)

	case parts[1] == "capacity" && r.Method == http.MethodPost:
		var body struct {
			Capacity int `json:"capacity"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		volunteer, err := s.service.UpdateCapacity(ctx, volunteerID, body.Capacity)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, volunteer)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAssignments(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		assignments, err := s.service.ListAssignments(ctx, r.URL.Query().Get("requestId"))
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})

	case len(parts) == 1 && r.Method == http.MethodGet:
		assignment, err := s.service.GetAssignment(ctx, parts[0])
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, assignment)

	case len(parts) == 2 && r.Method == http.MethodPost:
		var transition func(context.Context, string) (store.Assignment, error)
		switch parts[1] {
		case "accept":
			transition = s.service.Accept
		case "decline":
			transition = s.service.Decline
		case "resolve":
			transition = s.service.Resolve
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		assignment, err := transition(ctx, parts[0])
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, assignment)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// queryInt reads an optional non-negative integer parameter, writing a 422
// and returning false when it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer", map[string]any{"field": key})
		return 0, false
	}
	return value, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
