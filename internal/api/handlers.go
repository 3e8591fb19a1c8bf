package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skylapse/brain/internal/store"
)

type sessionView struct {
	ID               string  `json:"id"`
	ProfileID        string  `json:"profile_id"`
	ScheduleID       string  `json:"schedule_id"`
	DateLocal        string  `json:"date_local"`
	Status           string  `json:"status"`
	CaptureCount     int     `json:"capture_count"`
	StartTime        string  `json:"start_time"`
	EndTime          *string `json:"end_time,omitempty"`
}

func toSessionView(s store.Session) sessionView {
	v := sessionView{
		ID:           s.ID,
		ProfileID:    s.ProfileID,
		ScheduleID:   s.ScheduleID,
		DateLocal:    s.DateLocal,
		Status:       string(s.Status),
		CaptureCount: s.CaptureCount,
		StartTime:    s.StartTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if s.EndTime != nil {
		end := s.EndTime.UTC().Format("2006-01-02T15:04:05Z07:00")
		v.EndTime = &end
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.sessions.ListRecentSessions(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toSessionView(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.GetSession(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	captures, err := s.sessions.ListSessionCaptures(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing captures failed")
		return
	}

	video, hasVideo, err := s.sessions.GetVideoBySession(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "looking up video failed")
		return
	}

	resp := map[string]interface{}{
		"session":       toSessionView(sess),
		"capture_count": len(captures),
	}
	if hasVideo {
		resp["video"] = map[string]interface{}{
			"output_path": video.OutputPath,
			"status":      string(video.Status),
			"frame_count": video.FrameCount,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetterJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.DeadLetterJobs(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing dead-letter jobs failed")
		return
	}

	type jobView struct {
		ID        string `json:"id"`
		Kind      string `json:"kind"`
		Attempts  int    `json:"attempts"`
		LastError string `json:"last_error"`
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{ID: j.ID, Kind: string(j.Kind), Attempts: j.Attempts, LastError: j.LastError})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}
