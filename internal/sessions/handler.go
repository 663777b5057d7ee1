package sessions

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/middleware"
	"github.com/examprep/backend/internal/models"
	"github.com/examprep/backend/internal/pool"
	"github.com/examprep/backend/internal/structures"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers session and progress endpoints on the protected subrouter.
func (h *Handler) RegisterRoutes(protected *mux.Router) {
	protected.HandleFunc("/sessions/start", h.StartSession).Methods("POST")
	protected.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	protected.HandleFunc("/sessions/{id}/answer", h.SaveAnswer).Methods("POST")
	protected.HandleFunc("/sessions/{id}/finish", h.FinishSession).Methods("POST")

	protected.HandleFunc("/progress", h.GetProgress).Methods("GET")
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	studentID, ok := middleware.StudentID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.StructureID <= 0 {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "structure_id is required"})
		return
	}

	sess, resumed, err := h.service.StartSession(r.Context(), studentID, req.StructureID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, h.response(sess, resumed))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	studentID, ok := middleware.StudentID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	sess, err := h.service.Get(r.Context(), studentID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(sess, false))
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	studentID, ok := middleware.StudentID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.SaveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.QuestionID <= 0 || len(req.Answer) == 0 {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "question_id and answer are required"})
		return
	}

	sess, err := h.service.SaveAnswer(r.Context(), studentID, mux.Vars(r)["id"], req.QuestionID, req.Answer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(sess, false))
}

func (h *Handler) FinishSession(w http.ResponseWriter, r *http.Request) {
	studentID, ok := middleware.StudentID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	sess, err := h.service.Finish(r.Context(), studentID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(sess, false))
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	studentID, ok := middleware.StudentID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.StudentProgress(r.Context(), studentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) response(sess *models.ExamSession, resumed bool) models.SessionResponse {
	return models.SessionResponse{
		Session:          sess,
		Resumed:          resumed,
		RemainingSeconds: int64(sess.Remaining(h.service.now()).Seconds()),
	}
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var exhausted *PoolExhaustionError
	switch {
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: exhausted.Error()})
	case errors.Is(err, ErrNothingToAssign):
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, structures.ErrNotFound),
		errors.Is(err, ErrStructureInactive):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotOwner):
		writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "Session belongs to another student"})
	case errors.Is(err, ErrSessionClosed):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Session is closed"})
	case errors.Is(err, ErrUnknownQuestion):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrLedgerWrite), errors.Is(err, pool.ErrPoolUnavailable):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Temporarily unavailable, please retry"})
	case errors.Is(err, gate.ErrGateViolation):
		h.service.Log.Error("data integrity failure", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
	default:
		h.service.Log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
