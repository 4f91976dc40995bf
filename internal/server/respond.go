package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindConcurrencyConflict:
		return http.StatusConflict
	case apperr.KindTransientProvider:
		return http.StatusServiceUnavailable
	case apperr.KindPermanentProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		kind, status = apperr.KindValidation, http.StatusRequestEntityTooLarge
	}

	resp := errorResponse{Error: string(kind), Code: apperr.CodeOf(err), Message: apperr.PublicMessage(err)}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	} else {
		zerolog.Ctx(r.Context()).Debug().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("%s is not a valid id", name)
	}
	return id, nil
}

type taskView struct {
	TaskID         uuid.UUID        `json:"task_id"`
	TableID        uuid.UUID        `json:"table_id"`
	FileID         uuid.UUID        `json:"file_id"`
	ProjectID      uuid.UUID        `json:"project_id"`
	OrgID          uuid.UUID        `json:"org_id"`
	State          models.TaskState `json:"state"`
	Seq            int64            `json:"seq"`
	Assignee       string           `json:"assignee,omitempty"`
	Priority       int              `json:"priority"`
	Complexity     string           `json:"complexity,omitempty"`
	DueAt          *time.Time       `json:"due_at,omitempty"`
	DraftAttempt   int              `json:"draft_attempt"`
	DraftFailures  int              `json:"draft_failures"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	Rejections     int              `json:"rejections"`
	ActiveDraftID  *uuid.UUID       `json:"active_draft_id,omitempty"`
	ActiveEditID   *uuid.UUID       `json:"active_edit_id,omitempty"`
	LatestVerdict  models.Verdict   `json:"latest_verdict,omitempty"`
	StateChangedAt time.Time        `json:"state_changed_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ArchivedAt     *time.Time       `json:"archived_at,omitempty"`
}

func toTaskView(t *models.Task) taskView {
	return taskView{
		TaskID:         t.TaskID,
		TableID:        t.TableID,
		FileID:         t.FileID,
		ProjectID:      t.ProjectID,
		OrgID:          t.OrgID,
		State:          t.State,
		Seq:            t.Seq,
		Assignee:       t.Assignee,
		Priority:       t.Priority,
		Complexity:     t.Complexity,
		DueAt:          t.DueAt,
		DraftAttempt:   t.DraftAttempt,
		DraftFailures:  t.DraftFailures,
		NextRetryAt:    t.NextRetryAt,
		Rejections:     t.Rejections,
		ActiveDraftID:  t.ActiveDraftID,
		ActiveEditID:   t.ActiveEditID,
		LatestVerdict:  t.LatestVerdict,
		StateChangedAt: t.StateChangedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ArchivedAt:     t.ArchivedAt,
	}
}

type fileView struct {
	FileID     uuid.UUID          `json:"file_id"`
	ProjectID  uuid.UUID          `json:"project_id"`
	OrgID      uuid.UUID          `json:"org_id"`
	Name       string             `json:"name"`
	SizeBytes  int64              `json:"size_bytes"`
	PageCount  int                `json:"page_count"`
	Status     models.FileStatus  `json:"status"`
	ParseError string             `json:"parse_error,omitempty"`
	PageErrors []models.PageError `json:"page_errors,omitempty"`
	UploadedBy string             `json:"uploaded_by"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func toFileView(f *models.PdfFile) fileView {
	return fileView{
		FileID:     f.FileID,
		ProjectID:  f.ProjectID,
		OrgID:      f.OrgID,
		Name:       f.Name,
		SizeBytes:  f.SizeBytes,
		PageCount:  f.PageCount,
		Status:     f.Status,
		ParseError: f.ParseError,
		PageErrors: f.PageErrors,
		UploadedBy: f.UploadedBy,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

func contentDisposition(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
