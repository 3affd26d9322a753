package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"bursar/internal/alerts"
	"bursar/internal/billing"
	"bursar/internal/core"
	"bursar/internal/log"
	"bursar/internal/notify"
	"bursar/internal/summary"
)

const dayLayout = "2006-01-02"

// FeeAdmin is the roster and fee-structure administration slice of the
// repository, used directly by the staff endpoints.
type FeeAdmin interface {
	CreateFeeStructure(ctx context.Context, fs core.FeeStructure) (core.FeeStructure, error)
	UpdateFeeStructure(ctx context.Context, fs core.FeeStructure) (core.FeeStructure, error)
	ListFeeStructures(ctx context.Context, activeOnly bool) ([]core.FeeStructure, error)
	SetFeeStructureActive(ctx context.Context, id int64, active bool) error
	CreateAssignment(ctx context.Context, studentID string, feeStructureID int64) (core.FeeAssignment, error)
	SetAssignmentActive(ctx context.Context, id int64, active bool) error
	CreateStudent(ctx context.Context, s core.Student) error
	CreateGuardian(ctx context.Context, g core.Guardian) (core.Guardian, error)
	AddAttendance(ctx context.Context, rec core.AttendanceRecord) (core.AttendanceRecord, error)
}

type Handlers struct {
	invoices  *billing.InvoiceLedger
	fines     *billing.FineLedger
	evaluator *alerts.Evaluator
	notify    *notify.Service
	summaries *summary.Service
	admin     FeeAdmin

	// set by NewServer
	validate *validator.Validate
	logger   *log.Logger
}

func NewHandlers(invoices *billing.InvoiceLedger, fines *billing.FineLedger, evaluator *alerts.Evaluator, notifySvc *notify.Service, summaries *summary.Service, admin FeeAdmin) *Handlers {
	return &Handlers{
		invoices:  invoices,
		fines:     fines,
		evaluator: evaluator,
		notify:    notifySvc,
		summaries: summaries,
		admin:     admin,
	}
}

// ---- billing ----

type generateRequest struct {
	ReferenceDate string `json:"reference_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handlers) generateDue(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref := time.Now().UTC()
	if req.ReferenceDate != "" {
		ref, _ = time.ParseInLocation(dayLayout, req.ReferenceDate, time.UTC)
	}

	result, err := h.invoices.GenerateDue(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"created":         result.Created,
		"already_existed": result.AlreadyExisted,
		"failed":          result.Failed,
	})
}

type paymentRequest struct {
	Amount      string `json:"amount" validate:"required"`
	PaidAt      string `json:"paid_at" validate:"omitempty,datetime=2006-01-02"`
	Method      string `json:"method" validate:"required,oneof=cash bank_transfer card other"`
	CollectedBy string `json:"collected_by"`
	Reference   string `json:"reference"`
}

func (h *Handlers) applyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p := core.Payment{
		Amount:      core.Money{Cents: cents},
		Method:      req.Method,
		CollectedBy: req.CollectedBy,
		Reference:   req.Reference,
	}
	if req.PaidAt != "" {
		p.PaidAt, _ = time.ParseInLocation(dayLayout, req.PaidAt, time.UTC)
	}

	inv, err := h.invoices.ApplyPayment(r.Context(), id, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.summaries.Invalidate(inv.StudentID, time.Now())
	h.writeJSON(w, http.StatusOK, invoiceJSON(inv, time.Now()))
}

func (h *Handlers) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.invoices.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.summaries.Invalidate(inv.StudentID, time.Now())
	h.writeJSON(w, http.StatusOK, invoiceJSON(inv, time.Now()))
}

func (h *Handlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.invoices.Invoice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoiceJSON(inv, time.Now()))
}

func (h *Handlers) listStudentInvoices(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id")
	invoices, err := h.invoices.StudentInvoices(r.Context(), studentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := time.Now()
	out := make([]map[string]any, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, invoiceJSON(inv, now))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handlers) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.invoices.Payments(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(payments))
	for _, p := range payments {
		out = append(out, map[string]any{
			"id":           p.ID,
			"invoice_id":   p.InvoiceID,
			"amount_cents": p.Amount.Cents,
			"amount":       p.Amount.String(),
			"paid_at":      p.PaidAt.Format(time.RFC3339),
			"method":       p.Method,
			"collected_by": p.CollectedBy,
			"reference":    p.Reference,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

// ---- fines ----

type fineRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Type      string `json:"type" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
}

func (h *Handlers) issueFine(w http.ResponseWriter, r *http.Request) {
	var req fineRequest
	if !h.decode(w, r, &req) {
		return
	}
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	f, err := h.fines.Issue(r.Context(), core.Fine{
		StudentID: req.StudentID,
		Type:      req.Type,
		Amount:    core.Money{Cents: cents},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.summaries.Invalidate(f.StudentID, time.Now())
	h.writeJSON(w, http.StatusCreated, fineJSON(f))
}

func (h *Handlers) payFine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	f, err := h.fines.Pay(r.Context(), id, time.Now().UTC())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.summaries.Invalidate(f.StudentID, time.Now())
	h.writeJSON(w, http.StatusOK, fineJSON(f))
}

type waiveRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handlers) waiveFine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req waiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.fines.Waive(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.summaries.Invalidate(f.StudentID, time.Now())
	h.writeJSON(w, http.StatusOK, fineJSON(f))
}

func (h *Handlers) listStudentFines(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id")
	fines, err := h.fines.StudentFines(r.Context(), studentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(fines))
	for _, f := range fines {
		out = append(out, fineJSON(f))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"fines": out})
}

// ---- alerts ----

type runAlertsRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handlers) runAlerts(w http.ResponseWriter, r *http.Request) {
	var req runAlertsRequest
	if !h.decode(w, r, &req) {
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != "" {
		asOf, _ = time.ParseInLocation(dayLayout, req.AsOf, time.UTC)
	}

	results := h.evaluator.CheckAll(r.Context(), asOf)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"overdue":  resultJSON(results.Overdue),
		"upcoming": resultJSON(results.Upcoming),
		"absences": resultJSON(results.Absences),
	})
}

func resultJSON(res alerts.Result) map[string]any {
	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	return map[string]any{"fired": res.Fired, "deduped": res.Deduped, "errors": errs}
}

// ---- notifications ----

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	filter := core.NotificationFilter{
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Type:       core.NotificationType(r.URL.Query().Get("type")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	list, err := h.notify.List(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	unread, err := h.notify.UnreadCount(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(list))
	for _, n := range list {
		out = append(out, map[string]any{
			"id":          n.ID,
			"type":        string(n.Type),
			"priority":    string(n.Priority),
			"title":       n.Title,
			"body":        n.Body,
			"link_type":   n.LinkType,
			"link_id":     n.LinkID,
			"is_read":     n.IsRead,
			"email_state": n.EmailState,
			"created_at":  n.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": out, "unread_count": unread})
}

func (h *Handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	notifID := r.PathValue("nid")
	if err := h.notify.MarkRead(r.Context(), userID, notifID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "read"})
}

// ---- summaries ----

func (h *Handlers) studentSummary(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id")
	s, err := h.summaries.StudentSummary(r.Context(), studentID, time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"student_id": studentID,
		"fees": map[string]any{
			"pending_invoices":  s.Fees.PendingInvoices,
			"overdue_invoices":  s.Fees.OverdueInvoices,
			"outstanding_cents": s.Fees.Outstanding.Cents,
			"outstanding":       s.Fees.Outstanding.String(),
			"total_paid_cents":  s.Fees.TotalPaid.Cents,
		},
		"fines": map[string]any{
			"pending_fines":        s.Fines.PendingFines,
			"pending_amount_cents": s.Fines.PendingAmount.Cents,
			"total_fines":          s.Fines.TotalFines,
			"paid_amount_cents":    s.Fines.PaidAmount.Cents,
		},
	})
}

// ---- administration ----

type feeStructureRequest struct {
	Name            string `json:"name" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	Frequency       string `json:"frequency" validate:"required,oneof=monthly quarterly annual one_time"`
	DueDay          int    `json:"due_day" validate:"required,min=1,max=31"`
	GracePeriodDays int    `json:"grace_period_days" validate:"min=0"`
}

func (h *Handlers) createFeeStructure(w http.ResponseWriter, r *http.Request) {
	var req feeStructureRequest
	if !h.decode(w, r, &req) {
		return
	}
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	fs := core.FeeStructure{
		Name:            req.Name,
		Amount:          core.Money{Cents: cents},
		Frequency:       core.Frequency(req.Frequency),
		DueDay:          req.DueDay,
		GracePeriodDays: req.GracePeriodDays,
		IsActive:        true,
	}
	if err := fs.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.admin.CreateFeeStructure(r.Context(), fs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, structureJSON(created))
}

// updateFeeStructure edits the billing fields of an unreferenced structure.
// Once any invoice references it, the store rejects the edit with a conflict.
func (h *Handlers) updateFeeStructure(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req feeStructureRequest
	if !h.decode(w, r, &req) {
		return
	}
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	fs := core.FeeStructure{
		ID:              id,
		Name:            req.Name,
		Amount:          core.Money{Cents: cents},
		Frequency:       core.Frequency(req.Frequency),
		DueDay:          req.DueDay,
		GracePeriodDays: req.GracePeriodDays,
	}
	if err := fs.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.admin.UpdateFeeStructure(r.Context(), fs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, structureJSON(updated))
}

func (h *Handlers) listFeeStructures(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := h.admin.ListFeeStructures(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, fs := range list {
		out = append(out, structureJSON(fs))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"fee_structures": out})
}

func (h *Handlers) deactivateFeeStructure(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.SetFeeStructureActive(r.Context(), id, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

type assignmentRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	FeeStructureID int64  `json:"fee_structure_id" validate:"required"`
}

func (h *Handlers) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.admin.CreateAssignment(r.Context(), req.StudentID, req.FeeStructureID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"id":               a.ID,
		"student_id":       a.StudentID,
		"fee_structure_id": a.FeeStructureID,
		"is_active":        a.IsActive,
	})
}

func (h *Handlers) deactivateAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.SetAssignmentActive(r.Context(), id, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

type studentRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (h *Handlers) createStudent(w http.ResponseWriter, r *http.Request) {
	var req studentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.admin.CreateStudent(r.Context(), core.Student{ID: req.ID, Name: req.Name}); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID})
}

type guardianRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone"`
}

func (h *Handlers) createGuardian(w http.ResponseWriter, r *http.Request) {
	var req guardianRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.admin.CreateGuardian(r.Context(), core.Guardian{
		StudentID: req.StudentID,
		UserID:    req.UserID,
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": g.ID})
}

type attendanceRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Status    string `json:"status" validate:"required,oneof=present absent late"`
}

func (h *Handlers) recordAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.ParseInLocation(dayLayout, req.Date, time.UTC)
	rec, err := h.admin.AddAttendance(r.Context(), core.AttendanceRecord{
		StudentID: req.StudentID,
		Date:      date,
		Status:    core.AttendanceStatus(req.Status),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": rec.ID})
}

// ---- helpers ----

func invoiceJSON(inv core.Invoice, asOf time.Time) map[string]any {
	return map[string]any{
		"id":                inv.ID,
		"number":            inv.Number,
		"student_id":        inv.StudentID,
		"fee_structure_id":  inv.FeeStructureID,
		"period_start":      inv.PeriodStart.Format(dayLayout),
		"period_end":        inv.PeriodEnd.Format(dayLayout),
		"due_date":          inv.DueDate.Format(dayLayout),
		"amount_due_cents":  inv.AmountDue.Cents,
		"amount_paid_cents": inv.AmountPaid.Cents,
		"outstanding_cents": inv.Outstanding().Cents,
		"status":            string(inv.EffectiveStatus(asOf)),
	}
}

func fineJSON(f core.Fine) map[string]any {
	out := map[string]any{
		"id":           f.ID,
		"student_id":   f.StudentID,
		"type":         f.Type,
		"amount_cents": f.Amount.Cents,
		"amount":       f.Amount.String(),
		"status":       string(f.Status),
		"issued_at":    f.IssuedAt.Format(time.RFC3339),
	}
	if f.PaidAt != nil {
		out["paid_at"] = f.PaidAt.Format(time.RFC3339)
	}
	if f.WaiveReason != "" {
		out["waive_reason"] = f.WaiveReason
	}
	return out
}

func structureJSON(fs core.FeeStructure) map[string]any {
	return map[string]any{
		"id":                fs.ID,
		"name":              fs.Name,
		"amount_cents":      fs.Amount.Cents,
		"frequency":         string(fs.Frequency),
		"due_day":           fs.DueDay,
		"grace_period_days": fs.GracePeriodDays,
		"is_active":         fs.IsActive,
	}
}

// decode parses and validates a JSON request body. An empty body is allowed
// for requests whose fields are all optional.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
			}
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": msgs})
			return false
		}
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 1 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", log.FieldError, err.Error())
	}
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// not found 404, conflict 409, everything else 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldError, err.Error())
	}
	h.writeJSON(w, status, map[string]any{"error": err.Error()})
}
