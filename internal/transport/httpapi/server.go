package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/orchestrator"
	"trustgate.ai/internal/paygate"
	tglog "trustgate.ai/internal/persistence/log"
	"trustgate.ai/internal/protocol"
)

type Gate interface {
	ValidatePrincipal(principal int64) error
	Requirement(principal int64) paygate.Requirement
	Document(req paygate.Requirement) paygate.Document
	Check(ctx context.Context, h http.Header, principal int64) (paygate.Receipt, error)
}

type Pipeline interface {
	Run(ctx context.Context, req orchestrator.TaskRequest) (escrow.Escrow, error)
	Demo(ctx context.Context, quality string, amount int64) (escrow.Escrow, error)
}

type Reconciler interface {
	Sweep(ctx context.Context) orchestrator.SweepResult
}

type Auditor interface {
	WriteAudit(e tglog.AuditEntry) error
}

type PaymentMetrics interface {
	Payment(outcome string)
}

type Deps struct {
	Registry   *escrow.Registry
	Gate       Gate
	Pipeline   Pipeline
	Reconciler Reconciler
	// Observer serves the websocket channel; Metrics the prometheus endpoint.
	Observer http.Handler
	Metrics  http.Handler
	Payments PaymentMetrics
	Audit    Auditor
}

type Config struct {
	JWTSecret    string
	DemoEnabled  bool
	MaxBodyBytes int64
	Network      string
	Logger       *log.Logger
}

type Server struct {
	deps Deps
	cfg  Config
	log  *log.Logger
}

func New(deps Deps, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{deps: deps, cfg: cfg, log: cfg.Logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.log))
	r.Use(loggingMiddleware(s.log))
	r.Use(corsMiddleware)

	r.Get("/health", s.health)
	r.Post("/task-escrow", s.taskEscrow)
	r.Get("/escrows", s.listEscrows)
	r.Get("/escrows/{id}", s.getEscrow)
	r.Get("/stats", s.stats)
	r.Post("/demo", s.demo)

	// Paths used by the dashboard.
	r.Route("/api", func(r chi.Router) {
		r.Post("/proxy", s.taskEscrow)
		r.Get("/escrows", s.listEscrows)
		r.Get("/escrows/{id}", s.getEscrow)
		r.Get("/stats", s.stats)
		r.Post("/demo", s.demo)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Observer != nil {
		r.Method(http.MethodGet, "/ws", s.deps.Observer)
	}

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.adminMiddleware)
		r.Get("/pending", s.adminPending)
		r.Post("/reconcile", s.adminReconcile)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseAmount keeps only the digits of v ("1000000", "1000000 units").
func parseAmount(v string) (int64, error) {
	var b strings.Builder
	for _, c := range v {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return 0, errors.New("no digits")
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

type taskResponse struct {
	Success         bool                   `json:"success"`
	EscrowID        int64                  `json:"escrowId"`
	Status          escrow.Status          `json:"status"`
	Verdict         *escrow.Verdict        `json:"verdict"`
	Result          string                 `json:"result"`
	SettlementRef   string                 `json:"settlementRef"`
	SettlementState escrow.SettlementState `json:"settlementState"`
}

func (s *Server) taskEscrow(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.Header.Get(HeaderTargetURL))
	amountRaw := strings.TrimSpace(r.Header.Get(HeaderEscrowAmount))
	if target == "" || amountRaw == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrValidation, "Missing X-Target-URL or X-Escrow-Amount headers", "")
		return
	}
	amount, err := parseAmount(amountRaw)
	if err == nil {
		err = s.deps.Gate.ValidatePrincipal(amount)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrValidation, "Invalid X-Escrow-Amount header", err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, protocol.ErrValidation, "request body too large", "")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, protocol.ErrValidation, "request body must be JSON", "")
		return
	}

	rc, err := s.deps.Gate.Check(r.Context(), r.Header, amount)
	if err != nil {
		s.paymentFailed(w, err, amount)
		return
	}
	s.payment("accepted")
	if rc.Transaction != "" {
		setPaymentResponse(w.Header(), rc, s.cfg.Network)
	}

	e, err := s.deps.Pipeline.Run(r.Context(), orchestrator.TaskRequest{
		Target:   target,
		Amount:   amount,
		Criteria: r.Header.Get(HeaderQualityCriteria),
		Seller:   r.Header.Get(HeaderSellerAddress),
		Payer:    rc.Payer,
		Body:     body,
	})
	if err != nil {
		var ve *orchestrator.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, protocol.ErrValidation, ve.Error(), "")
			return
		}
		s.log.Printf("task-escrow: req=%s: %v", requestIDFromContext(r.Context()), err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "escrow pipeline failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		Success:         true,
		EscrowID:        e.ID,
		Status:          e.Status,
		Verdict:         e.Verdict,
		Result:          e.Result,
		SettlementRef:   e.SettlementRef,
		SettlementState: e.SettlementState,
	})
}

func (s *Server) paymentFailed(w http.ResponseWriter, err error, amount int64) {
	if errors.Is(err, paygate.ErrPaymentRequired) {
		s.payment("challenged")
		doc := s.deps.Gate.Document(s.deps.Gate.Requirement(amount))
		if herr := paygate.SetChallengeHeaders(w.Header(), doc); herr != nil {
			writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "encode challenge", herr.Error())
			return
		}
		writeJSON(w, http.StatusPaymentRequired, doc)
		return
	}
	s.payment("rejected")
	var ie *paygate.InvalidPaymentError
	details := err.Error()
	if errors.As(err, &ie) {
		details = ie.Reason
	}
	writeError(w, http.StatusPaymentRequired, protocol.ErrPaymentInvalid, "Invalid payment", details)
}

func (s *Server) payment(outcome string) {
	if s.deps.Payments != nil {
		s.deps.Payments.Payment(outcome)
	}
}

func setPaymentResponse(h http.Header, rc paygate.Receipt, network string) {
	b, err := json.Marshal(map[string]any{
		"success":     true,
		"transaction": rc.Transaction,
		"network":     network,
		"payer":       rc.Payer,
	})
	if err != nil {
		return
	}
	h.Set(paygate.HeaderPaymentResponse, base64.StdEncoding.EncodeToString(b))
}

func (s *Server) listEscrows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrValidation, "invalid escrow id", "")
		return
	}
	e, err := s.deps.Registry.Get(id)
	if errors.Is(err, escrow.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "Escrow not found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "lookup failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Stats())
}

type demoRequest struct {
	ExpectedQuality string `json:"expectedQuality"`
	Amount          int64  `json:"amount"`
}

func (s *Server) demo(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DemoEnabled {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "demo disabled", "")
		return
	}
	var req demoRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, protocol.ErrValidation, "invalid json body", "")
			return
		}
	}
	e, err := s.deps.Pipeline.Demo(r.Context(), req.ExpectedQuality, req.Amount)
	if err != nil {
		var ve *orchestrator.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, protocol.ErrValidation, ve.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "demo failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "escrowId": e.ID, "current_step": "created"})
}

func (s *Server) adminPending(w http.ResponseWriter, _ *http.Request) {
	pending := s.deps.Registry.Pending()
	unconfirmed := s.deps.Registry.Unconfirmed()
	if pending == nil {
		pending = []escrow.Escrow{}
	}
	if unconfirmed == nil {
		unconfirmed = []escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "unconfirmed": unconfirmed})
}

func (s *Server) adminReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrInternal, "reconciler disabled", "")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	res := s.deps.Reconciler.Sweep(ctx)
	actor := actorFromContext(r.Context())
	if s.deps.Audit != nil {
		if err := s.deps.Audit.WriteAudit(tglog.AuditEntry{
			Time:    time.Now().UTC(),
			Actor:   actor,
			Action:  "reconcile",
			Details: fmt.Sprintf("checked=%d reconciled=%d failed=%d exhausted=%d", res.Checked, res.Reconciled, res.Failed, res.Exhausted),
		}); err != nil {
			s.log.Printf("audit: %v", err)
		}
	}
	s.log.Printf("admin: reconcile by %s checked=%d reconciled=%d", actor, res.Checked, res.Reconciled)
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, details string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg, Code: code, Details: details})
}
