package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/scheduler"
	"github.com/leasesync/leasesync/pkg/storage"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= 500 {
		s.Log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	render.Status(r, code)
	render.JSON(w, r, errorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: err.Error(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, stats)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.fail(w, r, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	runs, err := s.Store.ListRuns(r.Context(), limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []listing.SyncRun{}
	}
	render.JSON(w, r, runs)
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	if s.Syncer == nil {
		render.JSON(w, r, []scheduler.ActiveRun{})
		return
	}
	active := s.Syncer.State().Active()
	if active == nil {
		active = []scheduler.ActiveRun{}
	}
	render.JSON(w, r, active)
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{Source: r.URL.Query().Get("source")}
	deals, err := s.Store.ListDeals(r.Context(), opts)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if deals == nil {
		deals = []listing.DealState{}
	}
	render.JSON(w, r, deals)
}

func (s *Server) handleCooling(w http.ResponseWriter, r *http.Request) {
	deals, err := s.Store.ListCooling(r.Context(), s.Now())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if deals == nil {
		deals = []listing.DealState{}
	}
	render.JSON(w, r, deals)
}

// SyncRequest starts a manual run. With no identities the run is a full scan.
type SyncRequest struct {
	Identities []string `json:"identities"`
	Force      bool     `json:"force"`
}

type syncResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.Syncer == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errors.New("no scheduler attached"))
		return
	}
	var body SyncRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			s.fail(w, r, http.StatusBadRequest, err)
			return
		}
	}

	req := scheduler.Request{
		Scope:   listing.Scope{Kind: listing.ScopeFull},
		Trigger: listing.TriggerManual,
		Force:   body.Force,
	}
	if len(body.Identities) > 0 {
		req.Scope = listing.Scope{Kind: listing.ScopeTargeted, Identities: body.Identities}
	}

	log := s.Log
	id, err := s.Syncer.Submit(s.runCtx, req, func(run listing.SyncRun, err error) {
		if err != nil {
			log.Errorf("Manual run %s failed: %v", run.ID, err)
			return
		}
		log.Infof("Manual run %s finished: %d scanned, %d updated", run.ID, run.Counts.DealsScannedCount, run.Counts.DealsUpdatedCount)
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			s.fail(w, r, http.StatusConflict, err)
			return
		}
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, syncResponse{RunID: id})
}
