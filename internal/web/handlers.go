package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/credimax/importer/internal/logging"
	"github.com/credimax/importer/internal/pipeline"
	"github.com/credimax/importer/internal/sheet"
)

// handleStartBatch accepts a multipart upload and opens a new batch session.
//
// Form fields:
//   - file: the spreadsheet (.csv or .xlsx)
//   - type: "clients" or "loans"
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+4096)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: pipeline.ToUserMessage(errors.New("file too large")),
		})
		return
	}

	recordType, ok := parseRecordType(r.FormValue("type"))
	if !ok {
		badRequest(w, "type must be \"clients\" or \"loans\"")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "missing file field")
		return
	}
	defer file.Close()

	fileName := sheet.SanitizeFilename(header.Filename)
	if err := sheet.CheckFile(fileName, header.Size); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: pipeline.ToUserMessage(err)})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := sheet.Decode(fileName, data)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: pipeline.ToUserMessage(err)})
		return
	}

	state, err := s.service.StartBatch(r.Context(), recordType, fileName, rows)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("batch created",
		"batch_id", state.ID, "type", state.Type, "rows", state.Total)
	writeJSON(w, http.StatusCreated, state)
}

// handleBatchState returns the current snapshot of a batch session.
func (s *Server) handleBatchState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Batch(chi.URLParam(r, "batchID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// editFieldRequest is the body for PATCH /batches/{batchID}/rows/{rowID}.
type editFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// handleEditField updates a single field of a pending row.
func (s *Server) handleEditField(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.Atoi(chi.URLParam(r, "rowID"))
	if err != nil {
		badRequest(w, "row id must be an integer")
		return
	}

	var req editFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Field == "" {
		badRequest(w, "field is required")
		return
	}

	rec, err := s.service.EditField(chi.URLParam(r, "batchID"), rowID, req.Field, req.Value)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCheckConflicts runs the remote existence check without committing.
func (s *Server) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.CheckConflicts(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// commitRequest is the body for POST /batches/{batchID}/commit. Confirmed
// must be true to proceed past a conflict report.
type commitRequest struct {
	Confirmed bool `json:"confirmed"`
}

// confirmationResponse is returned with 409 when conflicts block the commit.
type confirmationResponse struct {
	ConfirmationRequired bool                    `json:"confirmationRequired"`
	Report               pipeline.ConflictReport `json:"report"`
}

// handleCommit commits the batch's committable rows sequentially. When the
// existence check finds conflicts and the request was not confirmed, it
// replies 409 with the conflict report and commits nothing.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	report, err := s.service.Commit(r.Context(), chi.URLParam(r, "batchID"), req.Confirmed)

	var confirm *pipeline.ConfirmationRequiredError
	if errors.As(err, &confirm) {
		writeJSON(w, http.StatusConflict, confirmationResponse{
			ConfirmationRequired: true,
			Report:               confirm.Report,
		})
		return
	}
	if err != nil {
		// A partial report still tells the caller how far the run got.
		if report != nil {
			writeJSON(w, http.StatusBadGateway, commitResult(report, err))
			return
		}
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResult(report, nil))
}

// handleCommitRow commits one row ad hoc.
func (s *Server) handleCommitRow(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.Atoi(chi.URLParam(r, "rowID"))
	if err != nil {
		badRequest(w, "row id must be an integer")
		return
	}

	report, err := s.service.CommitRow(r.Context(), chi.URLParam(r, "batchID"), rowID)
	if err != nil {
		if report != nil {
			writeJSON(w, http.StatusBadGateway, commitResult(report, err))
			return
		}
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResult(report, nil))
}

// handleCancel abandons the batch. Already-committed rows stay committed.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cancel(r.Context(), chi.URLParam(r, "batchID")); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleNotifications drains and returns the accumulated notices.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notices := s.notices.Drain()
	if notices == nil {
		notices = []pipeline.Notice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commitResultBody pairs the commit report with the user-facing error, if
// the run was aborted partway.
type commitResultBody struct {
	*pipeline.CommitReport
	Error *pipeline.UserMessage `json:"error,omitempty"`
}

func commitResult(report *pipeline.CommitReport, err error) commitResultBody {
	body := commitResultBody{CommitReport: report}
	if err != nil {
		msg := pipeline.ToUserMessage(err)
		body.Error = &msg
	}
	return body
}

func parseRecordType(v string) (pipeline.RecordType, bool) {
	switch pipeline.RecordType(v) {
	case pipeline.RecordClients:
		return pipeline.RecordClients, true
	case pipeline.RecordLoans:
		return pipeline.RecordLoans, true
	}
	return "", false
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: pipeline.UserMessage{
			Message: message,
			Action:  "Correct the request and retry",
			Code:    "REQ001",
		},
	})
}
