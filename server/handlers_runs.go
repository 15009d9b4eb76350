package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/run"
)

const defaultHistoryLimit = 20

// RunStatusResponse is the answer of GET /api/runs/{family}.
type RunStatusResponse struct {
	Family   run.Family         `json:"family"`
	State    executor.State     `json:"state"`
	Active   bool               `json:"active"`
	Remote   bool               `json:"remote,omitempty"` // the run belongs to another engage process
	Session  *run.Session       `json:"session,omitempty"`
	Progress *executor.Progress `json:"progress,omitempty"`
}

func familyParam(r *http.Request) (run.Family, error) {
	return run.ParseFamily(chi.URLParam(r, "family"))
}

// defaultsFor is the family-wide settings a manual run is merged over: the
// scheduler's saved defaults when there is one, else the built-in ones.
func (s *Server) defaultsFor(family run.Family) run.Settings {
	if sc, ok := s.schedulers[family]; ok {
		return sc.Set().Defaults
	}
	return run.DefaultSettings(family)
}

// HandleStartRun handles POST /api/runs/{family}. The body is optional
// settings merged over the family defaults. Settings that fail validation
// still start a session, which the executor finalizes as failed.
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	family, err := familyParam(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ex, err := s.executor(family)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	var settings run.Settings
	if err := readJSON(w, r, &settings); err != nil {
		return
	}
	settings = settings.Merge(s.defaultsFor(family))

	sess, err := ex.Start(s.runCtx, settings)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// HandleStopRun handles DELETE /api/runs/{family}. Stopping an idle family
// succeeds with stopped=false.
func (s *Server) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	family, err := familyParam(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ex, err := s.executor(family)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex.Stop())
}

// HandleRunStatus handles GET /api/runs/{family}. A run owned by another
// process is found through the persisted live state.
func (s *Server) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	family, err := familyParam(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ex, err := s.executor(family)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	resp := RunStatusResponse{Family: family, State: ex.State()}
	if ex.IsActive() {
		resp.Active = true
		resp.Session = ex.CurrentSession()
		resp.Progress = ex.Progress()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	active, progress, err := executor.LoadLive(r.Context(), s.store, family)
	if err != nil {
		s.writeErr(w, errors.Wrap(err, "failed to read live run state"))
		return
	}
	if active != nil {
		resp.Active = true
		resp.Remote = true
		resp.State = executor.StateRunning
		resp.Progress = progress
		if sess, err := s.history.Get(r.Context(), active.SessionID); err == nil {
			resp.Session = sess
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Session = ex.LastSession()
	writeJSON(w, http.StatusOK, resp)
}

// HandleListRuns handles GET /api/runs?family=&limit=, most recent first.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	var family run.Family
	if raw := r.URL.Query().Get("family"); raw != "" {
		f, err := run.ParseFamily(raw)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		family = f
	}
	sessions, err := s.history.List(r.Context(), family, queryLimit(r, defaultHistoryLimit))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
