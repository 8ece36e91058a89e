package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagestore/internal/config"
	"pagestore/pkg/id"
	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
	"pagestore/pkg/timeline"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

type iRegistry interface {
	List() []*timeline.Timeline
	Lookup(id.TimelineID) (*timeline.Timeline, bool)
	Create(id.TimelineID, lsn.Lsn) (*timeline.Timeline, error)
	Branch(tid, ancestor id.TimelineID, branchLSN lsn.Lsn) (*timeline.Timeline, error)
	Delete(ctx context.Context, tid id.TimelineID) error
}

// iReceivers is the WAL receiver hook; new timelines get a stream, deleted
// ones lose theirs.
type iReceivers interface {
	Attach(*timeline.Timeline)
	Detach(id.TimelineID)
}

// Server is the node's management and page-service API.
type Server struct {
	nodeID    string
	registry  iRegistry
	receivers iReceivers // optional

	httpServer      *http.Server
	URL             string
	addr            string
	shutdownTimeout time.Duration
}

// NewServer creates a new server instance.
func NewServer(cfg config.Config, registry iRegistry, receivers iReceivers) *Server {
	port := strconv.Itoa(cfg.Server.Port)
	st := cfg.Server.ShutdownTimeout
	if st <= 0 {
		st = defaultShutdownTimeout
	}
	return &Server{
		nodeID:          cfg.Node.ID,
		registry:        registry,
		receivers:       receivers,
		URL:             "http://localhost:" + port,
		addr:            ":" + port,
		shutdownTimeout: st,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown HTTP server")
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/status", s.handleStatus)

	r.Route("/v1/timeline", func(r chi.Router) {
		r.Get("/", s.handleListTimelines)
		r.Post("/", s.handleCreateTimeline)
		r.Route("/{timelineID}", func(r chi.Router) {
			r.Get("/", s.handleTimelineInfo)
			r.Delete("/", s.handleDeleteTimeline)
			r.Get("/page/{pageKey}", s.handleGetPage)
			r.Get("/last_record_lsn", s.handleLastRecordLSN)
			r.Post("/checkpoint", s.handleCheckpoint)
			r.Post("/compact", s.handleCompact)
			r.Post("/gc", s.handleGC)
		})
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, timeline.ErrTimelineNotFound):
		status = http.StatusNotFound
	case errors.Is(err, timeline.ErrTimelineExists),
		errors.Is(err, timeline.ErrHasDescendants):
		status = http.StatusConflict
	case errors.Is(err, timeline.ErrLSNTooOld),
		errors.Is(err, timeline.ErrLSNFuture):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, timeline.ErrBadBranchPoint):
		status = http.StatusBadRequest
	case errors.Is(err, timeline.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) lookupTimeline(w http.ResponseWriter, r *http.Request) (*timeline.Timeline, bool) {
	tid, err := id.ParseTimelineID(chi.URLParam(r, "timelineID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return nil, false
	}
	t, ok := s.registry.Lookup(tid)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("timeline not found"))
		return nil, false
	}
	return t, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"id": s.nodeID})
}

func (s *Server) handleListTimelines(w http.ResponseWriter, r *http.Request) {
	timelines := s.registry.List()
	infos := make([]timeline.Info, 0, len(timelines))
	for _, t := range timelines {
		infos = append(infos, t.Info())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

type createTimelineRequest struct {
	TimelineID         id.TimelineID `json:"new_timeline_id,omitzero"`
	AncestorTimelineID id.TimelineID `json:"ancestor_timeline_id,omitzero"`
	AncestorStartLSN   lsn.Lsn       `json:"ancestor_start_lsn,omitzero"`
	StartLSN           lsn.Lsn       `json:"start_lsn,omitzero"`
}

func (s *Server) handleCreateTimeline(w http.ResponseWriter, r *http.Request) {
	var req createTimelineRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	tid := req.TimelineID
	if tid.IsZero() {
		tid = id.NewTimelineID()
	}

	var t *timeline.Timeline
	var err error
	if req.AncestorTimelineID.IsZero() {
		t, err = s.registry.Create(tid, req.StartLSN)
	} else {
		t, err = s.registry.Branch(tid, req.AncestorTimelineID, req.AncestorStartLSN)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.receivers != nil {
		s.receivers.Attach(t)
	}
	s.writeJSON(w, http.StatusCreated, t.Info())
}

func (s *Server) handleTimelineInfo(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t.Info())
}

func (s *Server) handleDeleteTimeline(w http.ResponseWriter, r *http.Request) {
	tid, err := id.ParseTimelineID(chi.URLParam(r, "timelineID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if s.receivers != nil {
		s.receivers.Detach(tid)
	}
	if err := s.registry.Delete(r.Context(), tid); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	k, err := key.Parse(chi.URLParam(r, "pageKey"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	l := t.GetLastRecordLSN()
	if raw := r.URL.Query().Get("lsn"); raw != "" {
		if l, err = lsn.Parse(raw); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	page, err := t.GetPage(r.Context(), k, l)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page); err != nil {
		slog.Warn("Error writing page response", "error", err)
	}
}

func (s *Server) handleLastRecordLSN(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]lsn.Lsn{"last_record_lsn": t.GetLastRecordLSN()})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	if err := t.Checkpoint(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	if err := t.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type gcRequest struct {
	GCHorizon lsn.Lsn `json:"gc_horizon,omitzero"`
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTimeline(w, r)
	if !ok {
		return
	}
	var req gcRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	res, err := t.RunGC(r.Context(), req.GCHorizon)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
