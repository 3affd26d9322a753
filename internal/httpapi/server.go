// Package httpapi binds the billing, alert, notification and summary
// services to a JSON HTTP interface.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"bursar/internal/auth"
	"bursar/internal/log"
	"bursar/internal/middleware/ratelimit"
	"bursar/internal/middleware/trace"
)

type Server struct {
	httpServer *http.Server
	limiter    *ratelimit.Limiter
	logger     *log.Logger
	validate   *validator.Validate
	handlers   *Handlers
}

func NewServer(addr string, h *Handlers, resolver auth.Resolver, logger *log.Logger) *Server {
	s := &Server{
		limiter:  ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		logger:   logger.WithComponent(log.ComponentHTTP),
		validate: validator.New(),
		handlers: h,
	}
	h.validate = s.validate
	h.logger = s.logger

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealth)

	// Read interface. Identity for guardians lives in the external system;
	// these endpoints are keyed by the IDs it hands out.
	mux.HandleFunc("GET /students/{id}/invoices", h.listStudentInvoices)
	mux.HandleFunc("GET /invoices/{id}", h.getInvoice)
	mux.HandleFunc("GET /invoices/{id}/payments", h.listPayments)
	mux.HandleFunc("GET /students/{id}/fines", h.listStudentFines)
	mux.HandleFunc("GET /students/{id}/summary", h.studentSummary)
	mux.HandleFunc("GET /users/{id}/notifications", h.listNotifications)
	mux.HandleFunc("POST /users/{id}/notifications/{nid}/read", h.markNotificationRead)

	// Staff-only write interface, rate limited per client.
	staff := func(fn http.HandlerFunc) http.Handler {
		limited := s.limiter.Middleware(clientIP, nil)(fn)
		return auth.RequireStaff(resolver)(limited)
	}
	mux.Handle("POST /billing/generate", staff(h.generateDue))
	mux.Handle("POST /alerts/run", staff(h.runAlerts))
	mux.Handle("POST /invoices/{id}/payments", staff(h.applyPayment))
	mux.Handle("POST /invoices/{id}/cancel", staff(h.cancelInvoice))
	mux.Handle("POST /fines", staff(h.issueFine))
	mux.Handle("POST /fines/{id}/pay", staff(h.payFine))
	mux.Handle("POST /fines/{id}/waive", staff(h.waiveFine))
	mux.Handle("POST /fee-structures", staff(h.createFeeStructure))
	mux.Handle("GET /fee-structures", staff(h.listFeeStructures))
	mux.Handle("PUT /fee-structures/{id}", staff(h.updateFeeStructure))
	mux.Handle("POST /fee-structures/{id}/deactivate", staff(h.deactivateFeeStructure))
	mux.Handle("POST /assignments", staff(h.createAssignment))
	mux.Handle("POST /assignments/{id}/deactivate", staff(h.deactivateAssignment))
	mux.Handle("POST /students", staff(h.createStudent))
	mux.Handle("POST /guardians", staff(h.createGuardian))
	mux.Handle("POST /attendance", staff(h.recordAttendance))

	tracer := trace.NewMiddleware(clientIP, log.NewStructuredLogger(s.logger))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           tracer.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
