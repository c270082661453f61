package api

import (
	"net/http"

	"gwi.com/artifact-chat/internal/artifact"
)

func (h *APIHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	versions, err := h.docs.Versions(r.Context(), userID(r), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type editRequest struct {
	Content string `json:"content"`
}

// EditDocumentHandler records a manual edit. It is committed as a new
// version once edits pause, or immediately through the flush endpoint.
func (h *APIHandler) EditDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.docs.Edit(r.Context(), userID(r), r.URL.Query().Get("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (h *APIHandler) FlushDocumentHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.docs.Flush(r.Context(), userID(r), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := parseTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.docs.DeleteAfter(r.Context(), userID(r), r.URL.Query().Get("id"), ts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func isNavigation(op string) bool {
	switch op {
	case artifact.NavPrev, artifact.NavNext, artifact.NavToggle, artifact.NavLatest:
		return true
	}
	return false
}
