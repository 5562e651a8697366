package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/comfyflow/model"
)

// maxToolBody bounds the JSON arguments of one tool call.
const maxToolBody = 1 << 20

type handlers struct {
	tools     ToolCaller
	artifacts ArtifactFetcher
}

func (h *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	if h.tools == nil {
		WriteError(w, r, model.NewInternalError())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tools": h.tools.Tools()})
}

func (h *handlers) callTool(w http.ResponseWriter, r *http.Request) {
	if h.tools == nil {
		WriteError(w, r, model.NewInternalError())
		return
	}
	name := chi.URLParam(r, "name")
	if !h.hasTool(name) {
		WriteNotFound(w, r, "Unknown tool: "+name)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolBody))
	if err != nil {
		WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("reading arguments: %v", err)))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		WriteError(w, r, model.NewBadRequestError("arguments must be a JSON object"))
		return
	}

	result, err := h.tools.Call(r.Context(), name, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *handlers) hasTool(name string) bool {
	for _, t := range h.tools.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (h *handlers) artifact(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		WriteError(w, r, model.NewInternalError())
		return
	}
	filename := chi.URLParam(r, "filename")
	q := r.URL.Query()

	data, err := h.artifacts.FetchArtifact(r.Context(), filename, q.Get("subfolder"), q.Get("type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	ctype := mime.TypeByExtension(path.Ext(filename))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
