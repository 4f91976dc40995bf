package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/export"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// actorHandler is a handler that runs on behalf of the request principal.
type actorHandler func(w http.ResponseWriter, r *http.Request, actor models.Actor) error

func (s *Server) serve(w http.ResponseWriter, r *http.Request, h actorHandler) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: "no principal"})
		return
	}
	if err := h(w, r, actor); err != nil {
		writeError(w, r, err)
	}
}

// withTask resolves the task_id path value before calling fn.
func (s *Server) withTask(w http.ResponseWriter, r *http.Request, fn func(actor models.Actor, taskID uuid.UUID) error) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		taskID, err := pathID(r, "task_id")
		if err != nil {
			return err
		}
		return fn(actor, taskID)
	})
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		projectID, err := pathID(r, "project_id")
		if err != nil {
			return err
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
		if err != nil {
			return err
		}
		file, err := s.svc.Ingestor.Upload(r.Context(), actor, projectID, r.URL.Query().Get("name"), data)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, toFileView(file))
		return nil
	})
}

type parseRequest struct {
	Pages []int `json:"pages"`
}

type parseResponse struct {
	File       fileView           `json:"file"`
	TableIDs   []uuid.UUID        `json:"table_ids"`
	TaskIDs    []uuid.UUID        `json:"task_ids"`
	PageErrors []models.PageError `json:"page_errors,omitempty"`
}

func (s *Server) parseFile(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		fileID, err := pathID(r, "file_id")
		if err != nil {
			return err
		}
		var req parseRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		res, err := s.svc.Ingestor.Parse(r.Context(), actor, fileID, req.Pages)
		if err != nil {
			return err
		}

		resp := parseResponse{
			File:       toFileView(res.File),
			TableIDs:   make([]uuid.UUID, 0, len(res.Tables)),
			TaskIDs:    make([]uuid.UUID, 0, len(res.Tasks)),
			PageErrors: res.PageErrors,
		}
		for _, t := range res.Tables {
			resp.TableIDs = append(resp.TableIDs, t.TableID)
		}
		for _, t := range res.Tasks {
			resp.TaskIDs = append(resp.TaskIDs, t.TaskID)
		}
		writeJSON(w, http.StatusOK, resp)
		return nil
	})
}

func (s *Server) archiveProject(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		projectID, err := pathID(r, "project_id")
		if err != nil {
			return err
		}
		if err := s.svc.Machine.Archive(r.Context(), actor, projectID); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		task, err := s.svc.Machine.GetTaskState(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
		return nil
	})
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		logs, err := s.svc.Machine.History(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"transitions": logs})
		return nil
	})
}

func (s *Server) listDrafts(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		drafts, err := s.svc.Drafts.Drafts(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
		return nil
	})
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		checks, err := s.svc.Review.Reviews(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"reviews": checks})
		return nil
	})
}

func (s *Server) requestDraft(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		d, err := s.svc.Drafts.RequestDraft(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, d)
		return nil
	})
}

func (s *Server) retryDraft(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		d, err := s.svc.Drafts.RetryDraft(r.Context(), actor, taskID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, d)
		return nil
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) forceRetry(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		var req reasonRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		task, err := s.svc.Drafts.ForceRetry(r.Context(), actor, taskID, req.Reason)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
		return nil
	})
}

func (s *Server) cancelRetries(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		var req reasonRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		task, err := s.svc.Drafts.CancelRetries(r.Context(), actor, taskID, req.Reason)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
		return nil
	})
}

type openRequest struct {
	Assignee string `json:"assignee"`
}

func (s *Server) openTask(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		var req openRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		if req.Assignee == "" {
			req.Assignee = actor.UserID
		}
		task, err := s.svc.Review.OpenTask(r.Context(), actor, taskID, req.Assignee)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
		return nil
	})
}

type editRequest struct {
	Text string `json:"text"`
}

func (s *Server) submitEdit(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		var req editRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		edit, err := s.svc.Review.SubmitEdit(r.Context(), actor, taskID, req.Text)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, edit)
		return nil
	})
}

type reviewRequest struct {
	Verdict models.Verdict `json:"verdict"`
	Comment string         `json:"comment"`
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	s.withTask(w, r, func(actor models.Actor, taskID uuid.UUID) error {
		var req reviewRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		check, err := s.svc.Review.SubmitReview(r.Context(), actor, taskID, req.Verdict, req.Comment)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, check)
		return nil
	})
}

type exportRequest struct {
	ProjectID uuid.UUID             `json:"project_id"`
	FileID    *uuid.UUID            `json:"file_id,omitempty"`
	Format    models.ExportFormat   `json:"format"`
	Options   *models.ExportOptions `json:"options,omitempty"`
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		var req exportRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		if req.Format == "" {
			req.Format = models.ExportFormatJSON
		}
		opts := models.DefaultExportOptions()
		if req.Options != nil {
			opts = *req.Options
		}

		entry, err := s.svc.Exports.Export(r.Context(), actor, export.Request{
			Scope:   models.ExportScope{OrgID: actor.OrgID, ProjectID: req.ProjectID, FileID: req.FileID},
			Format:  req.Format,
			Options: opts,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusAccepted, entry)
		return nil
	})
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		exportID, err := pathID(r, "export_id")
		if err != nil {
			return err
		}
		entry, err := s.svc.Exports.Get(r.Context(), actor, exportID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, entry)
		return nil
	})
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		projectID, err := pathID(r, "project_id")
		if err != nil {
			return err
		}
		entries, err := s.svc.Exports.List(r.Context(), actor, projectID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"exports": entries})
		return nil
	})
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(w http.ResponseWriter, r *http.Request, actor models.Actor) error {
		exportID, err := pathID(r, "export_id")
		if err != nil {
			return err
		}
		dl, err := s.svc.Exports.Download(r.Context(), actor, exportID)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", dl.ContentType)
		w.Header().Set("Content-Disposition", contentDisposition(dl.Name))
		w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(dl.Data)
		return nil
	})
}
