package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/endharassment/spamgate/internal/audit"
	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/profile"
	"github.com/endharassment/spamgate/internal/sfs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultLogPageSize = 30

type logListResponse struct {
	Total   int               `json:"total"`
	Entries []audit.EntryView `json:"entries"`
}

// HandleListLogs lists the spam check log, newest first.
func (s *Server) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	total, err := s.deps.Audit.Count(ctx, filter)
	if err != nil {
		s.logger.Error("counting log entries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	entries, err := s.deps.Audit.List(ctx, filter)
	if err != nil {
		s.logger.Error("listing log entries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := s.now()
	views := make([]audit.EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, audit.View(e, now))
	}
	writeJSON(w, http.StatusOK, logListResponse{Total: total, Entries: views})
}

func parseLogFilter(r *http.Request) (model.LogFilter, error) {
	q := r.URL.Query()
	filter := model.LogFilter{
		SearchField: q.Get("field"),
		Search:      q.Get("search"),
		Limit:       defaultLogPageSize,
	}
	if filter.Search != "" && filter.SearchField == "" {
		filter.SearchField = "url"
	}

	if raw := q.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, ok := parseLogType(strings.TrimSpace(part))
			if !ok {
				return filter, errors.New("invalid log type " + strconv.Quote(part))
			}
			filter.Types = append(filter.Types, t)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}

func parseLogType(s string) (model.LogType, bool) {
	switch strings.ToLower(s) {
	case "0", "debug":
		return model.LogDebug, true
	case "1", "username":
		return model.LogUsername, true
	case "2", "email":
		return model.LogEmail, true
	case "3", "ip":
		return model.LogIP, true
	case "99", "unknown":
		return model.LogUnknown, true
	}
	return 0, false
}

type removedResponse struct {
	Removed int64 `json:"removed"`
}

// HandleRemoveAllLogs purges every entry outside the retention window.
func (s *Server) HandleRemoveAllLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Audit.RemoveAll(r.Context())
	if err != nil {
		s.logger.Error("purging log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

// HandleRemoveLogs deletes the listed entries that are outside the
// retention window.
func (s *Server) HandleRemoveLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusOK, removedResponse{})
		return
	}
	n, err := s.deps.Audit.Remove(r.Context(), req.IDs)
	if err != nil {
		s.logger.Error("removing log entries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

func memberIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	return id, err == nil && id > 0
}

// HandleTrackMember returns a member's reputation profile.
func (s *Server) HandleTrackMember(w http.ResponseWriter, r *http.Request) {
	memberID, ok := memberIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	q := r.URL.Query()
	subject := profile.Subject{
		MemberID: memberID,
		Username: q.Get("username"),
		Email:    q.Get("email"),
		IP:       q.Get("ip"),
		IP2:      q.Get("ip2"),
	}
	if v := q.Get("msg"); v != "" {
		msgID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid message id")
			return
		}
		subject.MessageID = msgID
	}

	p, err := s.deps.Tracker.Track(r.Context(), subject)
	switch {
	case errors.Is(err, sfs.ErrNoSignals):
		writeError(w, http.StatusBadRequest, "nothing to look up")
		return
	case err != nil:
		s.logger.Warn("tracking member", "member_id", memberID, "error", err)
		writeError(w, http.StatusBadGateway, "reputation service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type submitRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	IP       string `json:"ip"`
	Evidence string `json:"evidence"`
}

// HandleSubmitMember reports a member as a spammer to the reputation
// service.
func (s *Server) HandleSubmitMember(w http.ResponseWriter, r *http.Request) {
	memberID, ok := memberIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.rl.AllowMemberSubmit(memberID) {
		writeError(w, http.StatusTooManyRequests, "member was submitted recently")
		return
	}

	ctx := r.Context()
	err := s.deps.Client.Submit(ctx, sfs.Submission{
		Username: req.Username,
		Email:    req.Email,
		IP:       req.IP,
		Evidence: req.Evidence,
	})
	switch {
	case errors.Is(err, sfs.ErrSubmissionDisabled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Warn("submitting spammer", "member_id", memberID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	details, _ := json.Marshal(map[string]string{
		"username": req.Username,
		"email":    req.Email,
		"ip":       req.IP,
	})
	action := &model.AdminAction{
		ID:        uuid.New().String(),
		MemberID:  memberID,
		Action:    "sfs_submit",
		Details:   string(details),
		CreatedAt: s.now(),
	}
	if err := s.deps.Store.CreateAdminAction(ctx, action); err != nil {
		s.logger.Warn("recording submission", "member_id", memberID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"submitted": true})
}

type testRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	IP       string `json:"ip"`
}

// HandleTestAPI queries the service directly so moderators can confirm
// connectivity and see the raw records.
func (s *Server) HandleTestAPI(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Checker.TestAPI(r.Context(), req.Username, req.Email, req.IP)
	switch {
	case errors.Is(err, sfs.ErrNoSignals):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleEnsureBanGroup creates the auto-ban group if it does not exist.
func (s *Server) HandleEnsureBanGroup(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Bans.EnsureGroup(r.Context())
	if err != nil {
		s.logger.Error("ensuring ban group", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "name": s.deps.Bans.GroupName()})
}
