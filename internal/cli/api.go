package cli

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/replicator"
)

// maxValueBytes bounds a request body carrying one value.
const maxValueBytes = 1 << 20

// CollectionView is the admin API rendering of one collection.
type CollectionView struct {
	Collection string           `json:"collection"`
	State      map[string]any   `json:"state"`
	Vector     map[string]int64 `json:"vector"`
	Stats      crdt.Stats       `json:"stats"`
}

// SyncView is the admin API result of an explicit sync.
type SyncView struct {
	Peer      string            `json:"peer"`
	Status    replicator.Status `json:"status"`
	ErrorCode string            `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type api struct {
	r      *replicator.Replicator
	logger *slog.Logger
}

// mountAPI adds the admin routes for r to router.
//
//	GET    /v1/status
//	GET    /v1/collections
//	GET    /v1/collections/{name}
//	PUT    /v1/collections/{name}/keys/{key}         body: JSON value
//	DELETE /v1/collections/{name}/keys/{key}
//	POST   /v1/collections/{name}/keys/{key}/add     body: JSON element
//	POST   /v1/collections/{name}/keys/{key}/remove  body: JSON element
//	POST   /v1/peers/{peer}/sync
func mountAPI(router chi.Router, r *replicator.Replicator, logger *slog.Logger) {
	a := &api{r: r, logger: logger}
	router.Get("/v1/status", a.status)
	router.Get("/v1/collections", a.collections)
	router.Get("/v1/collections/{name}", a.collection)
	router.Put("/v1/collections/{name}/keys/{key}", a.set)
	router.Delete("/v1/collections/{name}/keys/{key}", a.delete)
	router.Post("/v1/collections/{name}/keys/{key}/add", a.add)
	router.Post("/v1/collections/{name}/keys/{key}/remove", a.remove)
	router.Post("/v1/peers/{peer}/sync", a.sync)
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.r.Status())
}

func (a *api) collections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"collections": a.r.Collections()})
}

func (a *api) collection(w http.ResponseWriter, req *http.Request) {
	doc, ok := a.r.Collection(chi.URLParam(req, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "collection not registered")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func viewOf(doc *crdt.Document) CollectionView {
	state := doc.State()
	view := make(map[string]any, len(state))
	for k, v := range state {
		view[k] = ir.ToGo(v)
	}
	return CollectionView{
		Collection: doc.ID(),
		State:      view,
		Vector:     doc.VersionVector(),
		Stats:      doc.Stats(),
	}
}

// target registers the collection on first write.
func (a *api) target(w http.ResponseWriter, req *http.Request) (*crdt.Document, string, bool) {
	doc, err := a.r.RegisterCollection(chi.URLParam(req, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeNotFound, err.Error())
		return nil, "", false
	}
	return doc, chi.URLParam(req, "key"), true
}

func (a *api) set(w http.ResponseWriter, req *http.Request) {
	doc, key, ok := a.target(w, req)
	if !ok {
		return
	}
	v, ok := readValue(w, req)
	if !ok {
		return
	}
	if _, err := doc.Set(key, v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func (a *api) delete(w http.ResponseWriter, req *http.Request) {
	doc, key, ok := a.target(w, req)
	if !ok {
		return
	}
	doc.Delete(key)
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func (a *api) add(w http.ResponseWriter, req *http.Request) {
	doc, key, ok := a.target(w, req)
	if !ok {
		return
	}
	v, ok := readValue(w, req)
	if !ok {
		return
	}
	if _, err := doc.Add(key, v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func (a *api) remove(w http.ResponseWriter, req *http.Request) {
	doc, key, ok := a.target(w, req)
	if !ok {
		return
	}
	v, ok := readValue(w, req)
	if !ok {
		return
	}
	doc.Remove(key, v)
	writeJSON(w, http.StatusOK, viewOf(doc))
}

func (a *api) sync(w http.ResponseWriter, req *http.Request) {
	peer := chi.URLParam(req, "peer")
	err := a.r.SyncWithPeer(req.Context(), peer)
	out := SyncView{Peer: peer, Status: a.r.Status()}
	if err == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	a.logger.Warn("explicit sync failed", "peer", peer, "error", err)
	var se *replicator.SyncError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, ErrCodeSync, err.Error())
		return
	}
	out.ErrorCode, out.Error = string(se.Code), se.Error()
	code := http.StatusBadGateway
	switch se.Code {
	case replicator.ErrCodeSyncTimeout:
		code = http.StatusGatewayTimeout
	case replicator.ErrCodeCapacityExceeded:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func readValue(w http.ResponseWriter, req *http.Request) (ir.IRValue, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxValueBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, err.Error())
		return nil, false
	}
	v, err := ir.DecodeValue(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, err.Error())
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: errCode, Message: message},
	})
}
