package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"TicketMail/internal/csvparser"
	"TicketMail/internal/errs"
	"TicketMail/internal/models"
	"TicketMail/internal/worker"
)

const maxUploadBytes = 5 << 20

type JobQueue interface {
	Insert(ctx context.Context, job *models.EmailJob) (models.JobRef, error)
	Get(ctx context.Context, ref models.JobRef) (*models.EmailJob, error)
}

type SettingsWriter interface {
	SaveEmailSettings(ctx context.Context, associationID string, settings models.EmailSettings) error
	SaveTicketDesign(ctx context.Context, associationID string, design models.TicketDesign) error
}

type SweepRunner interface {
	Run(ctx context.Context) (worker.SweepResult, error)
}

type Handler struct {
	Store    JobQueue
	Settings SettingsWriter
	Sweeper  SweepRunner
	Log      *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /associations/{associationID}/emails", h.SendEmail)
	mux.HandleFunc("POST /associations/{associationID}/emails/bulk", h.SendBulk)
	mux.HandleFunc("GET /associations/{associationID}/emails/{jobID}", h.GetEmail)
	mux.HandleFunc("PUT /associations/{associationID}/settings/email", h.PutEmailSettings)
	mux.HandleFunc("PUT /associations/{associationID}/design", h.PutTicketDesign)
	mux.HandleFunc("POST /sweep", h.Sweep)
	mux.HandleFunc("GET /healthz", h.Health)
	return mux
}

type sendRequest struct {
	Type    string                `json:"type"`
	To      string                `json:"to"`
	Subject string                `json:"subject"`
	Body    string                `json:"body"`
	ReplyTo string                `json:"replyTo"`
	Context *models.TicketContext `json:"context"`
}

func (req *sendRequest) validate() error {
	var missing []string
	if strings.TrimSpace(req.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(req.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(req.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(req.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return errs.New("missing " + strings.Join(missing, ", "))
	}
	return nil
}

// SendEmail enqueues one job. Delivery starts from the store's creation signal.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := models.EmailJob{
		AssociationID: r.PathValue("associationID"),
		Type:          strings.TrimSpace(req.Type),
		To:            strings.TrimSpace(req.To),
		Subject:       req.Subject,
		Body:          req.Body,
		ReplyTo:       req.ReplyTo,
		Context:       req.Context,
		Status:        models.StatusPending,
	}

	ref, err := h.Store.Insert(r.Context(), &job)
	if err != nil {
		h.Log.Error("enqueue failed", zap.String("association_id", job.AssociationID), zap.Error(err))
		http.Error(w, "failed to enqueue email", http.StatusInternalServerError)
		return
	}

	h.Log.Info("email enqueued",
		zap.String("association_id", ref.AssociationID),
		zap.String("job_id", ref.JobID),
		zap.String("type", job.Type),
	)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id": ref.JobID,
	})
}

// SendBulk enqueues one job per CSV recipient. The multipart form carries
// subject and body templates and a "recipients" file.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	aid := r.PathValue("associationID")
	if strings.TrimSpace(r.FormValue("subject")) == "" || strings.TrimSpace(r.FormValue("body")) == "" {
		http.Error(w, "missing subject, body", http.StatusBadRequest)
		return
	}

	subject, err := csvparser.ParseTemplate("subject", r.FormValue("subject"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := csvparser.ParseTemplate("body", r.FormValue("body"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		http.Error(w, "missing recipients file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, csvparser.DefaultMaxRows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ids := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		subj, err := subject.Render(rcpt)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		text, err := body.Render(rcpt)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job := models.EmailJob{
			AssociationID: aid,
			Type:          models.TypeTest,
			To:            rcpt.Email,
			Subject:       subj,
			Body:          text,
			ReplyTo:       r.FormValue("replyTo"),
			Status:        models.StatusPending,
		}
		ref, err := h.Store.Insert(r.Context(), &job)
		if err != nil {
			h.Log.Error("bulk enqueue failed",
				zap.String("association_id", aid),
				zap.Int("enqueued", len(ids)),
				zap.Error(err),
			)
			http.Error(w, "failed to enqueue email", http.StatusInternalServerError)
			return
		}
		ids = append(ids, ref.JobID)
	}

	h.Log.Info("bulk emails enqueued", zap.String("association_id", aid), zap.Int("count", len(ids)))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ids": ids,
	})
}

func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	ref := models.NewJobRef(r.PathValue("associationID"), r.PathValue("jobID"))

	job, err := h.Store.Get(r.Context(), ref)
	if errs.Is(err, models.ErrJobNotFound) || (err == nil && job.AssociationID != ref.AssociationID) {
		http.Error(w, "email not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.Error("job lookup failed", zap.String("job", ref.String()), zap.Error(err))
		http.Error(w, "failed to load email", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// PutEmailSettings replaces an association's SMTP settings. Incomplete
// settings are rejected here rather than failing every job later.
func (h *Handler) PutEmailSettings(w http.ResponseWriter, r *http.Request) {
	var st models.EmailSettings
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := st.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	aid := r.PathValue("associationID")
	if err := h.Settings.SaveEmailSettings(r.Context(), aid, st); err != nil {
		h.Log.Error("save email settings failed", zap.String("association_id", aid), zap.Error(err))
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	h.Log.Info("email settings saved", zap.String("association_id", aid), zap.String("host", st.Host))
	w.WriteHeader(http.StatusNoContent)
}

// PutTicketDesign replaces the live ticket design.
func (h *Handler) PutTicketDesign(w http.ResponseWriter, r *http.Request) {
	var d models.TicketDesign
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(d.TemplateURL) == "" {
		http.Error(w, "missing templateUrl", http.StatusBadRequest)
		return
	}

	aid := r.PathValue("associationID")
	if err := h.Settings.SaveTicketDesign(r.Context(), aid, d); err != nil {
		h.Log.Error("save ticket design failed", zap.String("association_id", aid), zap.Error(err))
		http.Error(w, "failed to save design", http.StatusInternalServerError)
		return
	}

	h.Log.Info("ticket design saved", zap.String("association_id", aid))
	w.WriteHeader(http.StatusNoContent)
}

// Sweep runs one sweep batch immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Run(r.Context())
	if err != nil {
		h.Log.Error("manual sweep failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
