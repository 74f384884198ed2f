package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orian/tagbug/catalog"
	"github.com/orian/tagbug/models"
)

// storeOpener opens the record store at path using the configured driver.
type storeOpener func(ctx context.Context, path string) (models.RecordStore, error)

// Server exposes the catalog engine to renderers over HTTP.
type Server struct {
	engine   *catalog.Engine
	open     storeOpener
	dataset  DatasetConfig
	segment  int
	logger   *zap.Logger
	handlers []errorHandler

	mu    sync.Mutex // guards store swaps
	store models.RecordStore
}

func NewServer(engine *catalog.Engine, store models.RecordStore, open storeOpener, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:  engine,
		store:   store,
		open:    open,
		dataset: cfg.Dataset,
		segment: cfg.Subset.PathSegment,
		logger:  logger,
	}
	s.handlers = []errorHandler{
		sentinelHandler(models.ErrValidation, http.StatusBadRequest, "validation_failed"),
		sentinelHandler(models.ErrNotFound, http.StatusNotFound, "not_found"),
		sentinelHandler(models.ErrConflict, http.StatusConflict, "conflict"),
		s.storeErrorHandler,
	}
	return s
}

// Router builds the HTTP handler tree.
func (s *Server) Router(m *metrics, metricsHandler http.Handler, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if m != nil {
		r.Use(m.Middleware())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/view", s.handleGetView)
		r.Get("/view/count", s.handleCount)
		r.Get("/view/page", s.handleGetPage)
		r.Put("/view/page", s.handleGoToPage)
		r.Post("/view/next", s.handleNextPage)
		r.Post("/view/prev", s.handlePrevPage)
		r.Put("/view/geometry", s.handleSetGeometry)

		r.Get("/tags", s.handleGetTags)
		r.Post("/tags", s.handleCreateTag)
		r.Post("/tags/activate-all", s.handleActivateAll)
		r.Post("/tags/deactivate-all", s.handleDeactivateAll)
		r.Put("/tags/{tag}", s.handleSetTagActive)

		r.Post("/selection/toggle", s.handleToggle)
		r.Post("/selection/page", s.handleSelectPage)
		r.Post("/selection/region", s.handleSelectRegion)
		r.Delete("/selection", s.handleClearSelection)

		r.Post("/mutations/retag", s.handleRetag)
		r.Post("/mutations/delete", s.handleDelete)
		r.Post("/mutations/exclude", s.handleExclude)
		r.Post("/mutations/create-tag", s.handleCreateAndApplyTag)

		r.Post("/subset", s.handleLoadSubset)
		r.Delete("/subset", s.handleDeactivateSubset)

		r.Post("/store", s.handleAttachStore)
		r.Get("/journal", s.handleJournal)

		r.Route("/records/{id}", func(r chi.Router) {
			r.Get("/", s.handleDetail)
			r.Get("/image/{kind}", s.handleImage)
		})
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
	return r
}

// Close closes the currently attached store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.Refresh(r.Context()))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.Count(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	index, err := queryInt(r, "index", 0)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	size, err := queryInt(r, "size", 0)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	page, err := s.engine.Page(r.Context(), index, size)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGoToPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.respondSnapshot(w, r)(s.engine.GoToPage(r.Context(), req.Index))
}

func (s *Server) handleNextPage(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.NextPage(r.Context()))
}

func (s *Server) handlePrevPage(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.PrevPage(r.Context()))
}

func (s *Server) handleSetGeometry(w http.ResponseWriter, r *http.Request) {
	var req models.Geometry
	if !s.decode(w, r, &req) {
		return
	}
	s.respondSnapshot(w, r)(s.engine.SetGeometry(r.Context(), req.Width, req.Height))
}

func (s *Server) handleGetTags(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Refresh(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.engine.CreateTag(r.Context(), req.Name)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSetTagActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	tag, err := pathParam(r, "tag")
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.respondSnapshot(w, r)(s.engine.SetTagActive(r.Context(), tag, req.Active))
}

func (s *Server) handleActivateAll(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.ActivateAll(r.Context()))
}

func (s *Server) handleDeactivateAll(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.DeactivateAll(r.Context()))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Selected bool   `json:"selected"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.respondSnapshot(w, r)(s.engine.Toggle(r.Context(), req.ID, req.Selected))
}

func (s *Server) handleSelectPage(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.SelectAllVisible(r.Context()))
}

func (s *Server) handleSelectRegion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items    []models.BoundedItem `json:"items"`
		Rect     models.Rect          `json:"rect"`
		Additive bool                 `json:"additive"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.respondSnapshot(w, r)(s.engine.SelectByRegion(r.Context(), req.Items, req.Rect, req.Additive))
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.ClearSelection(r.Context()))
}

type mutationResponse struct {
	State  string                 `json:"state"`
	Result catalog.MutationResult `json:"result"`
	View   catalog.Snapshot       `json:"view"`
}

func (s *Server) respondMutation(w http.ResponseWriter, r *http.Request, res catalog.MutationResult, snap catalog.Snapshot, err error) {
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{State: res.State.String(), Result: res, View: snap})
}

func (s *Server) handleRetag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, snap, err := s.engine.Retag(r.Context(), req.Tag)
	s.respondMutation(w, r, res, snap, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req catalog.DeleteConfirmation
	if !s.decode(w, r, &req) {
		return
	}
	res, snap, err := s.engine.DeleteSelected(r.Context(), req)
	s.respondMutation(w, r, res, snap, err)
}

func (s *Server) handleExclude(w http.ResponseWriter, r *http.Request) {
	res, snap, err := s.engine.ExcludeFromSubset(r.Context())
	s.respondMutation(w, r, res, snap, err)
}

func (s *Server) handleCreateAndApplyTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, snap, err := s.engine.CreateAndApplyTag(r.Context(), req.Name)
	s.respondMutation(w, r, res, snap, err)
}

// handleLoadSubset accepts either a JSON body with ids or a server-side
// path, or a raw subset file upload whose format is taken from ?name=.
func (s *Server) handleLoadSubset(w http.ResponseWriter, r *http.Request) {
	ids, err := s.readSubsetRequest(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.respondSnapshot(w, r)(s.engine.LoadSubset(r.Context(), ids))
}

func (s *Server) readSubsetRequest(r *http.Request) ([]string, error) {
	segment := s.segment
	if v := r.URL.Query().Get("segment"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid segment %q", models.ErrValidation, v)
		}
		segment = n
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "subset.txt"
		}
		ids, err := readSubset(r.Body, name, segment)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		return ids, nil
	}

	var req struct {
		IDs  []string `json:"ids"`
		Path string   `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	if req.Path == "" {
		return subsetIDs(req.IDs, 0)
	}
	ids, err := loadSubsetFile(req.Path, segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return ids, nil
}

func (s *Server) handleDeactivateSubset(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r)(s.engine.DeactivateSubset(r.Context()))
}

func (s *Server) handleAttachStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if s.open == nil {
		s.handleError(w, r, fmt.Errorf("%w: store switching is disabled", models.ErrValidation))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.open(r.Context(), req.Path)
	if err != nil {
		s.handleError(w, r, models.NewStoreError("open", err))
		return
	}
	prev, snap, err := s.engine.AttachStore(r.Context(), next)
	if err != nil {
		_ = next.Close()
		s.handleError(w, r, err)
		return
	}
	s.store = next
	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Warn("failed to close previous store", zap.Error(err))
		}
	}
	s.logger.Info("record store attached", zap.String("path", req.Path))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	entries, err := s.engine.Journal(r.Context(), limit)
	if err != nil {
		s.handleError(w, r, models.NewStoreError("journal", err))
		return
	}
	if entries == nil {
		entries = []*models.MutationEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	detail, err := s.engine.Detail(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleImage serves the first file of <image_root>/<id>/<kind>/.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	kind := chi.URLParam(r, "kind")
	if !s.knownKind(kind) || !safeSegment(id) {
		s.handleError(w, r, fmt.Errorf("%w: invalid image %s/%s", models.ErrValidation, id, kind))
		return
	}

	dir := filepath.Join(s.dataset.ImageRoot, id, kind)
	path, err := firstFile(dir)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) knownKind(kind string) bool {
	for _, k := range s.dataset.ImageKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// firstFile returns the lexically first regular file in dir.
func firstFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("image folder %s: %w", dir, models.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("image folder %s is empty: %w", dir, models.ErrNotFound)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// respondSnapshot adapts engine calls returning (Snapshot, error).
func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request) func(catalog.Snapshot, error) {
	return func(snap catalog.Snapshot, err error) {
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(v); err != nil {
		s.handleError(w, r, fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err))
		return false
	}
	return true
}

// pathParam returns a decoded URL parameter. chi matches on the escaped
// path when the request has one, so "a%2Fb" must become "a/b" here.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("%w: invalid path parameter %s", models.ErrValidation, name)
	}
	return decoded, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: query parameter %s must be an integer", models.ErrValidation, name)
	}
	return n, nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorHandler writes a response for err and reports whether it did.
type errorHandler func(w http.ResponseWriter, err error) bool

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, err.Error())
		return true
	}
}

// storeErrorHandler hides driver details from clients.
func (s *Server) storeErrorHandler(w http.ResponseWriter, err error) bool {
	if !errors.Is(err, models.ErrStore) {
		return false
	}
	writeError(w, http.StatusInternalServerError, "store_error", models.ErrStore.Error())
	return true
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range s.handlers {
		if h(w, err) {
			if errors.Is(err, models.ErrStore) {
				s.logger.Error("store failure", zap.String("path", r.URL.Path), zap.Error(err))
			} else {
				s.logger.Warn("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			}
			return
		}
	}
	s.logger.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
