package api

import "net/http"

func (s *Server) handleAging(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.PendingAging(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleTurnaround(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	days := q.integer("days", 0)
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.svc.Turnaround(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleBatchDelays(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.BatchDelays(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleRepairs(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	days := q.integer("days", 0)
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := s.svc.RepairTargets(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	from, to := q.timestamp("from"), q.timestamp("to")
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.svc.Activity(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}
