package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openfinance/core/internal/bulk"
	"github.com/openfinance/core/internal/middleware"
)

type submitBulkRequest struct {
	ConsentID     string `json:"consentId"`
	FileName      string `json:"fileName"`
	IntegrityMode string `json:"integrityMode"`
	FileContent   string `json:"fileContent"`
	FileHash      string `json:"fileHash"`
}

// handleSubmitBulkFile accepts a bulk payment file. The file is validated
// synchronously but settles asynchronously, hence 202.
func (s *Server) handleSubmitBulkFile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	if err := s.requireParticipant(r.Context(), p.ParticipantID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req submitBulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode := bulk.IntegrityMode(req.IntegrityMode)
	if mode == "" {
		mode = bulk.BestEffort
	}

	result, err := s.deps.Bulk.SubmitFile(r.Context(), bulk.SubmitRequest{
		ParticipantID:  p.ParticipantID,
		ConsentID:      req.ConsentID,
		IdempotencyKey: key,
		InteractionID:  p.InteractionID,
		FileName:       req.FileName,
		IntegrityMode:  mode,
		FileContent:    []byte(req.FileContent),
		FileHash:       req.FileHash,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if !result.Replay {
		s.deps.Metrics.BulkFilesSubmitted.WithLabelValues(string(result.File.TargetStatus)).Inc()
	}
	writeJSON(w, r, http.StatusAccepted, result)
}

func (s *Server) handleGetBulkFile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	f, err := s.deps.Bulk.GetFileStatus(r.Context(), p.ParticipantID, mux.Vars(r)["fileId"], p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

func (s *Server) handleGetBulkReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	report, err := s.deps.Bulk.GetFileReport(r.Context(), p.ParticipantID, mux.Vars(r)["fileId"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
