package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/runtime"
	"github.com/splax/localvercel/preview/internal/service/preview"
)

const previewRetryAfter = 5

func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/preview/")
	runID, rest, hasSlash := strings.Cut(trimmed, "/")
	if runID == "" {
		r.renderPage(w, http.StatusNotFound, notFoundPage, pageData{})
		return
	}
	if !hasSlash {
		// Relative asset URLs resolve against the run root only with a trailing slash.
		target := "/preview/" + runID + "/"
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(w, req, target, http.StatusMovedPermanently)
		return
	}

	resp, err := r.preview.Serve(req.Context(), runID, rest)
	switch {
	case errors.Is(err, preview.ErrRunNotFound):
		r.renderPage(w, http.StatusNotFound, notFoundPage, pageData{RunID: runID})
		return
	case errors.Is(err, runtime.ErrWorkerNotRunning), errors.Is(err, runtime.ErrWorkerNotFound):
		w.Header().Set("Retry-After", strconv.Itoa(previewRetryAfter))
		r.renderPage(w, http.StatusServiceUnavailable, notReadyPage, pageData{RunID: runID, Status: "unavailable", Refresh: previewRetryAfter})
		return
	case err != nil:
		r.renderPage(w, http.StatusBadGateway, upstreamErrorPage, pageData{RunID: runID})
		return
	}

	if !resp.Ready {
		data := pageData{RunID: runID, Status: string(resp.Status)}
		if resp.Status != domain.RunFailed {
			data.Refresh = previewRetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(previewRetryAfter))
		}
		r.renderPage(w, http.StatusServiceUnavailable, notReadyPage, data)
		return
	}

	headers := w.Header()
	for key, values := range resp.Headers {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	headers.Set("Content-Type", resp.ContentType)
	headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(resp.Body)
}
