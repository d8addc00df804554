package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"roundtable/api/internal/auth"
	"roundtable/api/internal/events"
	"roundtable/api/internal/export"
	"roundtable/api/internal/fault"
	"roundtable/api/internal/rbac"
)

const defaultHeartbeat = 15 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok", "durable": s.service.Durable()},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rooms" {
		var body CreateRoomInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snapshot, err := s.service.CreateRoom(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snapshot)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/challenge" {
		var body struct {
			RoomID        string `json:"room_id"`
			ParticipantID string `json:"participant_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		challenge, err := s.service.IssueChallenge(r.Context(), body.RoomID, body.ParticipantID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"nonce":      challenge.Nonce,
			"expires_at": challenge.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify" {
		var body struct {
			RoomID        string `json:"room_id"`
			ParticipantID string `json:"participant_id"`
			Nonce         string `json:"nonce"`
			SignatureKind string `json:"signature_kind"`
			Signature     string `json:"signature"`
			KeyMaterial   string `json:"key_material"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cred, err := s.service.VerifyChallenge(r.Context(), auth.VerifyRequest{
			RoomID:        body.RoomID,
			ParticipantID: body.ParticipantID,
			Nonce:         body.Nonce,
			SignatureKind: body.SignatureKind,
			Signature:     body.Signature,
			KeyMaterial:   body.KeyMaterial,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"bearer_credential": cred.Token,
			"expires_at":        cred.ExpiresAt,
			"fingerprint":       cred.Fingerprint,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/submissions" {
		var body SubmissionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.requireParticipant(w, r, body.RoomID, body.AuthorID) {
			return
		}
		var (
			result SubmissionResult
			err    error
		)
		if r.URL.Query().Get("simulate_failure") == "1" {
			result, err = s.service.CreateSubmissionWithFault(r.Context(), body)
		} else {
			result, err = s.service.CreateSubmission(r.Context(), body)
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/provenance/verify" {
		var body ProvenanceRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		check, err := s.service.VerifyProvenance(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, check)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/dead-letters/replay" {
		if !s.requireAction(w, r, rbac.ActionReplay) {
			return
		}
		var body struct {
			Limit int `json:"limit"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.ReplayDeadLetters(r.Context(), body.Limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "participants" && parts[3] == "fingerprint" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.requireAction(w, r, rbac.ActionEnroll) {
			return
		}
		var body EnrollInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		fingerprint, err := s.service.EnrollFingerprint(r.Context(), parts[2], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participant_id": parts[2], "fingerprint": fingerprint})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "rooms" {
		s.handleRoom(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, roomID string, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		snapshot, err := s.service.Snapshot(ctx, roomID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case len(parts) == 1 && parts[0] == "votes" && r.Method == http.MethodPost:
		var body VoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.requireParticipant(w, r, roomID, body.VoterID) {
			return
		}
		tally, err := s.service.CastContinueVote(ctx, roomID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"continue_tally": tally})

	case len(parts) == 1 && parts[0] == "verdicts" && r.Method == http.MethodPost:
		var body struct {
			VoterID string `json:"voter_id"`
			Verdict string `json:"verdict"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.requireParticipant(w, r, roomID, body.VoterID) {
			return
		}
		tally, err := s.service.CastVerdict(ctx, roomID, VoteInput{VoterID: body.VoterID, Choice: body.Verdict})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"final_tally": tally})

	case len(parts) == 1 && parts[0] == "journal" && r.Method == http.MethodGet:
		listing, err := s.service.Journal(ctx, roomID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)

	case len(parts) == 2 && parts[0] == "journal" && parts[1] == "latest" && r.Method == http.MethodGet:
		entry, err := s.service.LatestJournalEntry(ctx, roomID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case len(parts) == 2 && parts[0] == "journal" && parts[1] == "history" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		history, err := s.service.MirrorHistory(ctx, roomID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "commits": history})

	case len(parts) == 2 && parts[0] == "journal" && r.Method == http.MethodGet:
		idx, ok := parseIdx(w, parts[1])
		if !ok {
			return
		}
		entry, err := s.service.JournalEntry(ctx, roomID, idx)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case len(parts) == 3 && parts[0] == "rounds" && parts[2] == "nonce" && r.Method == http.MethodPost:
		idx, ok := parseIdx(w, parts[1])
		if !ok {
			return
		}
		var body struct {
			AuthorID string `json:"author_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.requireParticipant(w, r, roomID, body.AuthorID) {
			return
		}
		nonce, err := s.service.IssueSubmissionNonce(ctx, roomID, idx, body.AuthorID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"nonce": nonce.Nonce, "round_id": nonce.RoundID, "expires_at": nonce.ExpiresAt})

	case len(parts) == 3 && parts[0] == "rounds" && parts[2] == "seal" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionSeal) {
			return
		}
		idx, ok := parseIdx(w, parts[1])
		if !ok {
			return
		}
		entry, created, err := s.service.RetrySeal(ctx, roomID, idx)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"created": created, "entry": entry})

	case len(parts) == 1 && parts[0] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, roomID)

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp, err := s.service.Search(ctx, roomID, query.Get("q"), limit, offset)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case len(parts) == 1 && parts[0] == "export" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionExport) {
			return
		}
		var body struct {
			Format string `json:"format"`
			Upload bool   `json:"upload"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Export(ctx, roomID, body.Format, body.Upload)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if body.Upload {
			writeJSON(w, http.StatusOK, map[string]any{
				"filename":   result.Filename,
				"mime_type":  result.MimeType,
				"object_url": result.ObjectURL,
			})
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleEvents streams a room's events as server-sent events. Besides
// pushed events, a heartbeat re-reads the room on a timer so a client that
// missed a push still converges.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	ctx := r.Context()
	snapshot, err := s.service.Snapshot(ctx, roomID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	stream, cancel := s.service.Bus().Subscribe(roomID)
	defer cancel()
	gauge := s.service.Metrics().LiveSubscriber
	gauge.Inc()
	defer gauge.Dec()

	interval := s.service.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, rc, heartbeatEvent(snapshot)); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, event); err != nil {
				return
			}
		case <-heartbeat.C:
			snapshot, err := s.service.Snapshot(ctx, roomID)
			if err != nil {
				log.WithError(err).WithField("room_id", roomID).Warn("events: heartbeat snapshot failed")
				continue
			}
			if err := writeEvent(w, rc, heartbeatEvent(snapshot)); err != nil {
				return
			}
		}
	}
}

func heartbeatEvent(snapshot RoomSnapshot) events.Event {
	return events.New(events.EventHeartbeat, snapshot.Room.ID, snapshot.Round.Idx, map[string]any{
		"status":                   snapshot.Room.Status,
		"phase":                    snapshot.Round.Phase,
		"submit_deadline_unix":     snapshot.Round.SubmitDeadlineUnix,
		"continue_vote_close_unix": snapshot.Round.ContinueVoteCloseUnix,
		"continue_tally":           snapshot.ContinueTally,
		"server_time_unix":         snapshot.ServerTime,
	})
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	return rc.Flush()
}

// requireParticipant checks that the bearer credential belongs to
// participantID in roomID. It passes everything when credentials are not
// required.
func (s *HTTPServer) requireParticipant(w http.ResponseWriter, r *http.Request, roomID, participantID string) bool {
	if !s.service.cfg.RequireCredential {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		writeMappedError(w, errCredentialRequired)
		return false
	}
	claims, err := s.service.Authenticate(token)
	if err != nil {
		writeMappedError(w, err)
		return false
	}
	if claims.Room != roomID || claims.Sub != participantID {
		writeMappedError(w, domainError(http.StatusForbidden, "FORBIDDEN", "Credential does not cover this room and participant", map[string]any{
			"room_id":        roomID,
			"participant_id": participantID,
		}))
		return false
	}
	return true
}

func (s *HTTPServer) roleFor(r *http.Request) rbac.Role {
	if token := s.service.cfg.OperatorToken; token != "" {
		given := r.Header.Get("X-Operator-Token")
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) == 1 {
			return rbac.RoleOperator
		}
	}
	if token := bearerToken(r); token != "" {
		if _, err := s.service.Authenticate(token); err == nil {
			return rbac.RoleParticipant
		}
	}
	return rbac.RoleObserver
}

func (s *HTTPServer) requireAction(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	role := s.roleFor(r)
	if rbac.Can(role, action) {
		return true
	}
	log.WithFields(log.Fields{"role": role, "action": action, "path": r.URL.Path}).Warn("forbidden")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

func parseIdx(w http.ResponseWriter, value string) (int, bool) {
	idx, err := strconv.Atoi(value)
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_IDX", "Round index must be a non-negative integer", nil)
		return 0, false
	}
	return idx, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.Metrics().HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		log.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Operator-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredential) || errors.Is(err, auth.ErrExpiredCredential):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrObjectStoreDisabled) || errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	var faultErr *fault.Error
	if errors.As(err, &faultErr) {
		resp := responseForKind(faultErr.Kind)
		if faultErr.Kind == fault.KindInternal {
			log.WithError(err).Error("internal error")
		}
		return resp.status, resp.code, faultErr.Message, nil
	}
	log.WithError(err).Error("unhandled error")
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
