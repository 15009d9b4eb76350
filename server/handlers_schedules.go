package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
)

const defaultExecutionLimit = 20

func (s *Server) schedulerParam(w http.ResponseWriter, r *http.Request) (*schedule.Scheduler, bool) {
	family, err := familyParam(r)
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	sc, err := s.scheduler(family)
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	return sc, true
}

// HandleGetSchedules handles GET /api/schedules/{family}: the whole set.
func (s *Server) HandleGetSchedules(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc.Set())
}

// HandleScheduleStatus handles GET /api/schedules/{family}/status: enabled
// flag, schedules, and the next execution with its countdown.
func (s *Server) HandleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc.Status(s.timeNow()))
}

// HandlePutSchedule handles PUT /api/schedules/{family}/entries, adding a
// schedule or replacing the one at the same time.
func (s *Server) HandlePutSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	var sch schedule.Schedule
	if err := readJSON(w, r, &sch); err != nil {
		return
	}
	if err := sc.Add(r.Context(), sch); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Set())
}

// HandleDeleteSchedule handles DELETE /api/schedules/{family}/entries/{time}.
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	at, err := schedule.ParseClockTime(chi.URLParam(r, "time"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := sc.Remove(r.Context(), at); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Set())
}

// HandlePutDefaults handles PUT /api/schedules/{family}/defaults. Every
// schedule must still validate against the new defaults.
func (s *Server) HandlePutDefaults(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	var defaults run.Settings
	if err := readJSON(w, r, &defaults); err != nil {
		return
	}
	if err := sc.ReplaceDefaults(r.Context(), defaults); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Set())
}

// HandleEnableSchedules handles POST /api/schedules/{family}/enable.
func (s *Server) HandleEnableSchedules(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	if err := sc.Enable(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Status(s.timeNow()))
}

// HandleDisableSchedules handles POST /api/schedules/{family}/disable.
func (s *Server) HandleDisableSchedules(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedulerParam(w, r)
	if !ok {
		return
	}
	if err := sc.Disable(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc.Status(s.timeNow()))
}

// HandleListExecutions handles GET /api/schedules/executions?family=&limit=.
func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	var family run.Family
	if raw := r.URL.Query().Get("family"); raw != "" {
		f, err := run.ParseFamily(raw)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		family = f
	}
	list, err := s.executions.List(r.Context(), family, queryLimit(r, defaultExecutionLimit))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": list,
		"count":      len(list),
	})
}

// HandleQuotaHistory handles GET /api/quota/history: counts per recorded day,
// newest first.
func (s *Server) HandleQuotaHistory(w http.ResponseWriter, r *http.Request) {
	days, err := s.quota.History(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":  days,
		"count": len(days),
	})
}

// HandleQuota handles GET /api/quota: today's usage per category.
func (s *Server) HandleQuota(w http.ResponseWriter, r *http.Request) {
	summary, err := s.quota.Summary(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
