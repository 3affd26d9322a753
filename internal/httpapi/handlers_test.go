package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"bursar/internal/alerts"
	"bursar/internal/auth"
	"bursar/internal/billing"
	"bursar/internal/log"
	"bursar/internal/notify"
	"bursar/internal/storage"
	"bursar/internal/summary"
)

const staffToken = "test-staff-token"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "bursar.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	logger := log.New(log.Config{Handler: slog.NewTextHandler(io.Discard, nil)})
	notifySvc := notify.NewService(repo, nil, logger)
	invoices := billing.NewInvoiceLedger(repo, logger, 2)
	fines := billing.NewFineLedger(repo, notifySvc, logger)
	evaluator := alerts.NewEvaluator(repo, notifySvc, fines, alerts.Config{
		DueSoonWindowDays:     3,
		AbsenceAlertThreshold: 2,
		AbsenceFineThreshold:  3,
		AbsenceFineCents:      500,
	}, logger)
	summaries := summary.New(repo, 16, time.Minute)

	h := NewHandlers(invoices, fines, evaluator, notifySvc, summaries, repo)
	srv := NewServer(":0", h, auth.NewStaticTokens(map[string]string{staffToken: "staff-1"}), logger)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func seedRoster(t *testing.T, handler http.Handler) {
	t.Helper()

	status, _ := doJSON(t, handler, http.MethodPost, "/students", staffToken,
		map[string]any{"id": "stu-1", "name": "Aisha Khan"})
	if status != http.StatusCreated {
		t.Fatalf("create student: status %d", status)
	}
	status, _ = doJSON(t, handler, http.MethodPost, "/guardians", staffToken, map[string]any{
		"student_id": "stu-1",
		"user_id":    "guardian-1",
		"name":       "Omar Khan",
		"email":      "omar@example.com",
	})
	if status != http.StatusCreated {
		t.Fatalf("create guardian: status %d", status)
	}
}

func seedMonthlyFee(t *testing.T, handler http.Handler) int64 {
	t.Helper()

	status, body := doJSON(t, handler, http.MethodPost, "/fee-structures", staffToken, map[string]any{
		"name":      "Tuition",
		"amount":    "50.00",
		"frequency": "monthly",
		"due_day":   15,
	})
	if status != http.StatusCreated {
		t.Fatalf("create fee structure: status %d body %v", status, body)
	}
	fsID := int64(body["id"].(float64))

	status, body = doJSON(t, handler, http.MethodPost, "/assignments", staffToken,
		map[string]any{"student_id": "stu-1", "fee_structure_id": fsID})
	if status != http.StatusCreated {
		t.Fatalf("create assignment: status %d body %v", status, body)
	}
	return fsID
}

func TestStaffEndpointsRequireToken(t *testing.T) {
	handler := newTestServer(t)

	status, _ := doJSON(t, handler, http.MethodPost, "/billing/generate", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d, want 401", status)
	}
	status, _ = doJSON(t, handler, http.MethodPost, "/billing/generate", "wrong-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("invalid token: got %d, want 401", status)
	}

	// Reads stay open.
	status, _ = doJSON(t, handler, http.MethodGet, "/students/stu-1/invoices", "", nil)
	if status != http.StatusOK {
		t.Fatalf("open read: got %d, want 200", status)
	}
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)
	seedMonthlyFee(t, handler)

	status, body := doJSON(t, handler, http.MethodPost, "/billing/generate", staffToken,
		map[string]any{"reference_date": "2024-03-10"})
	if status != http.StatusOK {
		t.Fatalf("generate: status %d body %v", status, body)
	}
	if body["created"].(float64) != 1 {
		t.Fatalf("created = %v, want 1", body["created"])
	}

	// Second pass is a no-op.
	_, body = doJSON(t, handler, http.MethodPost, "/billing/generate", staffToken,
		map[string]any{"reference_date": "2024-03-10"})
	if body["created"].(float64) != 0 || body["already_existed"].(float64) != 1 {
		t.Fatalf("rerun: created=%v existed=%v, want 0/1", body["created"], body["already_existed"])
	}

	status, body = doJSON(t, handler, http.MethodGet, "/students/stu-1/invoices", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list invoices: status %d", status)
	}
	invoices := body["invoices"].([]any)
	if len(invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(invoices))
	}
	inv := invoices[0].(map[string]any)
	invID := int64(inv["id"].(float64))
	if inv["amount_due_cents"].(float64) != 5000 {
		t.Fatalf("amount_due_cents = %v, want 5000", inv["amount_due_cents"])
	}
	if inv["due_date"] != "2024-03-15" {
		t.Fatalf("due_date = %v, want 2024-03-15", inv["due_date"])
	}

	invPath := "/invoices/" + itoa(invID)
	status, body = doJSON(t, handler, http.MethodPost, invPath+"/payments", staffToken,
		map[string]any{"amount": "20.00", "method": "cash", "collected_by": "staff-1"})
	if status != http.StatusOK {
		t.Fatalf("partial payment: status %d body %v", status, body)
	}
	if body["amount_paid_cents"].(float64) != 2000 || body["outstanding_cents"].(float64) != 3000 {
		t.Fatalf("after partial: paid=%v outstanding=%v", body["amount_paid_cents"], body["outstanding_cents"])
	}

	status, body = doJSON(t, handler, http.MethodPost, invPath+"/payments", staffToken,
		map[string]any{"amount": "30.00", "method": "bank_transfer"})
	if status != http.StatusOK {
		t.Fatalf("settling payment: status %d body %v", status, body)
	}
	if body["status"] != "paid" {
		t.Fatalf("status = %v, want paid", body["status"])
	}

	// Overpayment on a settled invoice conflicts.
	status, _ = doJSON(t, handler, http.MethodPost, invPath+"/payments", staffToken,
		map[string]any{"amount": "1.00", "method": "cash"})
	if status != http.StatusConflict {
		t.Fatalf("payment on settled invoice: status %d, want 409", status)
	}

	status, body = doJSON(t, handler, http.MethodGet, invPath+"/payments", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list payments: status %d", status)
	}
	if got := len(body["payments"].([]any)); got != 2 {
		t.Fatalf("got %d payments, want 2", got)
	}
}

func TestFeeStructureFrozenOnceBilled(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)
	fsID := seedMonthlyFee(t, handler)

	path := "/fee-structures/" + itoa(fsID)
	update := map[string]any{
		"name": "Tuition 2024", "amount": "55.00", "frequency": "monthly", "due_day": 20,
	}

	status, body := doJSON(t, handler, http.MethodPut, path, staffToken, update)
	if status != http.StatusOK {
		t.Fatalf("update unreferenced structure: status %d body %v", status, body)
	}
	if body["amount_cents"].(float64) != 5500 || body["due_day"].(float64) != 20 {
		t.Fatalf("updated structure = %v", body)
	}

	doJSON(t, handler, http.MethodPost, "/billing/generate", staffToken,
		map[string]any{"reference_date": "2024-03-10"})

	status, _ = doJSON(t, handler, http.MethodPut, path, staffToken, update)
	if status != http.StatusConflict {
		t.Fatalf("update referenced structure: status %d, want 409", status)
	}
}

func TestFineEndpoints(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)

	status, body := doJSON(t, handler, http.MethodPost, "/fines", staffToken,
		map[string]any{"student_id": "stu-1", "type": "late_pickup", "amount": "5.00"})
	if status != http.StatusCreated {
		t.Fatalf("issue fine: status %d body %v", status, body)
	}
	fineID := int64(body["id"].(float64))
	if body["amount_cents"].(float64) != 500 || body["status"] != "pending" {
		t.Fatalf("fine = %v", body)
	}

	// The guardian got an in-app notification for it.
	status, body = doJSON(t, handler, http.MethodGet, "/users/guardian-1/notifications", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list notifications: status %d", status)
	}
	notifs := body["notifications"].([]any)
	if len(notifs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notifs))
	}
	n := notifs[0].(map[string]any)
	if n["type"] != "fine" || n["link_id"] != itoa(fineID) {
		t.Fatalf("notification = %v", n)
	}
	if body["unread_count"].(float64) != 1 {
		t.Fatalf("unread_count = %v, want 1", body["unread_count"])
	}

	status, _ = doJSON(t, handler, http.MethodPost,
		"/users/guardian-1/notifications/"+n["id"].(string)+"/read", "", nil)
	if status != http.StatusOK {
		t.Fatalf("mark read: status %d", status)
	}
	_, body = doJSON(t, handler, http.MethodGet, "/users/guardian-1/notifications?unread=true", "", nil)
	if body["unread_count"].(float64) != 0 {
		t.Fatalf("unread_count after read = %v, want 0", body["unread_count"])
	}

	// Waiving needs a reason.
	status, _ = doJSON(t, handler, http.MethodPost, "/fines/"+itoa(fineID)+"/waive", staffToken,
		map[string]any{"reason": ""})
	if status != http.StatusBadRequest {
		t.Fatalf("waive without reason: status %d, want 400", status)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/fines/"+itoa(fineID)+"/pay", staffToken, nil)
	if status != http.StatusOK || body["status"] != "paid" {
		t.Fatalf("pay fine: status %d body %v", status, body)
	}

	// Resolution is final.
	status, _ = doJSON(t, handler, http.MethodPost, "/fines/"+itoa(fineID)+"/waive", staffToken,
		map[string]any{"reason": "staff error"})
	if status != http.StatusConflict {
		t.Fatalf("waive paid fine: status %d, want 409", status)
	}
}

func TestRunAlertsOverHTTP(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)
	seedMonthlyFee(t, handler)

	_, body := doJSON(t, handler, http.MethodPost, "/billing/generate", staffToken,
		map[string]any{"reference_date": "2024-03-10"})
	if body["created"].(float64) != 1 {
		t.Fatalf("generate: %v", body)
	}

	status, body := doJSON(t, handler, http.MethodPost, "/alerts/run", staffToken,
		map[string]any{"as_of": "2024-03-20"})
	if status != http.StatusOK {
		t.Fatalf("run alerts: status %d body %v", status, body)
	}
	overdue := body["overdue"].(map[string]any)
	if overdue["fired"].(float64) != 1 {
		t.Fatalf("overdue fired = %v, want 1", overdue["fired"])
	}

	// Same day again is fully deduped.
	_, body = doJSON(t, handler, http.MethodPost, "/alerts/run", staffToken,
		map[string]any{"as_of": "2024-03-20"})
	overdue = body["overdue"].(map[string]any)
	if overdue["fired"].(float64) != 0 || overdue["deduped"].(float64) != 1 {
		t.Fatalf("rerun: fired=%v deduped=%v, want 0/1", overdue["fired"], overdue["deduped"])
	}
}

func TestStudentSummaryEndpoint(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)
	seedMonthlyFee(t, handler)

	doJSON(t, handler, http.MethodPost, "/billing/generate", staffToken,
		map[string]any{"reference_date": "2024-03-10"})
	doJSON(t, handler, http.MethodPost, "/fines", staffToken,
		map[string]any{"student_id": "stu-1", "type": "late_pickup", "amount": "2.50"})

	status, body := doJSON(t, handler, http.MethodGet, "/students/stu-1/summary", "", nil)
	if status != http.StatusOK {
		t.Fatalf("summary: status %d body %v", status, body)
	}
	fees := body["fees"].(map[string]any)
	if fees["pending_invoices"].(float64) != 1 || fees["outstanding_cents"].(float64) != 5000 {
		t.Fatalf("fees = %v", fees)
	}
	if fees["overdue_invoices"].(float64) != 1 {
		t.Fatalf("overdue_invoices = %v, want 1 for a 2024 due date", fees["overdue_invoices"])
	}
	fines := body["fines"].(map[string]any)
	if fines["pending_fines"].(float64) != 1 || fines["pending_amount_cents"].(float64) != 250 {
		t.Fatalf("fines = %v", fines)
	}
}

func TestRequestValidation(t *testing.T) {
	handler := newTestServer(t)
	seedRoster(t, handler)

	cases := []struct {
		name string
		path string
		body map[string]any
	}{
		{"bad frequency", "/fee-structures", map[string]any{
			"name": "Tuition", "amount": "50.00", "frequency": "weekly", "due_day": 15}},
		{"bad due day", "/fee-structures", map[string]any{
			"name": "Tuition", "amount": "50.00", "frequency": "monthly", "due_day": 32}},
		{"unparseable amount", "/fines", map[string]any{
			"student_id": "stu-1", "type": "late_pickup", "amount": "abc"}},
		{"negative amount", "/fines", map[string]any{
			"student_id": "stu-1", "type": "late_pickup", "amount": "-5.00"}},
		{"bad attendance status", "/attendance", map[string]any{
			"student_id": "stu-1", "date": "2024-03-10", "status": "sick"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := doJSON(t, handler, http.MethodPost, tc.path, staffToken, tc.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
		})
	}

	status, _ := doJSON(t, handler, http.MethodGet, "/invoices/9999", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing invoice: status %d, want 404", status)
	}
	status, _ = doJSON(t, handler, http.MethodGet, "/invoices/not-a-number", "", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("malformed id: status %d, want 400", status)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
