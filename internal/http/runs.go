package httpx

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/registry"
	"github.com/splax/localvercel/preview/internal/service/orchestrator"
	"github.com/splax/localvercel/preview/internal/ws"
)

// uploadFields are the multipart field names accepted for the archive.
var uploadFields = map[string]bool{"archive": true, "file": true}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("upload", r.uploadLimit, r.uploadWindow, r.handleUpload)(w, req)
	case http.MethodGet:
		r.withRateLimit("runs", rateLimitRead, time.Minute, r.handleListRuns)(w, req)
	default:
		r.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	if r.maxUploadBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUploadBytes+multipartOverhead)
	}
	reader, err := req.MultipartReader()
	if err != nil {
		r.writeError(w, http.StatusBadRequest, "multipart form with an archive file is required")
		return
	}
	part, err := nextArchivePart(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.writeError(w, http.StatusBadRequest, "archive exceeds upload limit")
			return
		}
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer part.Close()

	run, err := r.runs.Submit(req.Context(), orchestrator.Upload{
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        part,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			r.writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), orchestrator.ErrValidation.Error()+": "))
		case errors.As(err, &tooLarge):
			r.writeError(w, http.StatusBadRequest, "archive exceeds upload limit")
		case errors.Is(err, orchestrator.ErrClosed):
			r.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		default:
			r.logger.Error("upload failed", "error", err)
			r.writeError(w, http.StatusInternalServerError, "could not accept upload")
		}
		return
	}
	r.writeJSON(w, http.StatusCreated, map[string]any{
		"id":        run.ID,
		"status":    run.Status,
		"createdAt": run.CreatedAt,
	})
}

// nextArchivePart returns the first file part named archive or file.
func nextArchivePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("archive file is required")
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, errors.New("malformed multipart body")
		}
		if uploadFields[part.FormName()] && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	filter := registry.Filter{}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.RunStatus(raw)
		if !status.Valid() {
			r.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			r.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"runs": r.runs.List(filter)})
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/runs/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleRun(w, req, runID)
	case len(parts) == 2 && parts[1] == "events":
		r.withRateLimit("events", rateLimitStream, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleRunEvents(w, req, runID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request, runID string) {
	switch req.Method {
	case http.MethodGet:
		run, err := r.runs.Get(runID)
		if err != nil {
			r.writeRunError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, run)
	case http.MethodDelete:
		if err := r.runs.Delete(req.Context(), runID); err != nil {
			r.writeRunError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (r *Router) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		r.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	r.logger.Error("run request failed", "error", err)
	r.writeError(w, http.StatusInternalServerError, "internal error")
}

// handleRunEvents streams run snapshots over a websocket, or as Server-Sent
// Events when the client does not ask for an upgrade.
func (r *Router) handleRunEvents(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w, http.MethodGet)
		return
	}
	if r.events == nil {
		r.writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	if _, err := r.runs.Get(runID); err != nil {
		r.writeRunError(w, err)
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.streamWebsocket(w, req, runID)
		return
	}
	r.streamSSE(w, req, runID)
}

func (r *Router) streamWebsocket(w http.ResponseWriter, req *http.Request, runID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Register(runID, client)
	r.sendSnapshot(runID, client)
	go func() {
		defer func() {
			r.events.Unregister(runID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) streamSSE(w http.ResponseWriter, req *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		r.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, r.logger)
	r.events.Register(runID, client)
	defer func() {
		r.events.Unregister(runID, client)
		client.Close()
	}()
	r.sendSnapshot(runID, client)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) sendSnapshot(runID string, client ws.Subscriber) {
	run, err := r.runs.Get(runID)
	if err != nil {
		return
	}
	payload, err := ws.Encode(ws.Event{Type: ws.EventRun, RunID: runID, Run: &run})
	if err != nil {
		r.logger.Error("encode run snapshot", "run_id", runID, "error", err)
		return
	}
	_ = client.Send(payload)
}
