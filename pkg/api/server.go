package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/bpi/pkg/identity"
	"github.com/Mindburn-Labs/bpi/pkg/storage"
	"github.com/Mindburn-Labs/bpi/pkg/vsm"
)

// Server exposes the node's REST boundary: auth, ecosystem
// administration, transaction submission and account queries.
type Server struct {
	subjects     *storage.SubjectStore
	workgroups   *storage.WorkgroupStore
	worksteps    *storage.WorkstepStore
	workflows    *storage.WorkflowStore
	transactions *storage.TransactionStore
	accounts     *storage.AccountStore
	ident        *identity.Service
	tokens       *identity.TokenManager
	scheduler    *vsm.Scheduler
	logger       *slog.Logger
}

type ServerDeps struct {
	Subjects     *storage.SubjectStore
	Workgroups   *storage.WorkgroupStore
	Worksteps    *storage.WorkstepStore
	Workflows    *storage.WorkflowStore
	Transactions *storage.TransactionStore
	Accounts     *storage.AccountStore
	Identity     *identity.Service
	Tokens       *identity.TokenManager
	Scheduler    *vsm.Scheduler
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		subjects:     deps.Subjects,
		workgroups:   deps.Workgroups,
		worksteps:    deps.Worksteps,
		workflows:    deps.Workflows,
		transactions: deps.Transactions,
		accounts:     deps.Accounts,
		ident:        deps.Identity,
		tokens:       deps.Tokens,
		scheduler:    deps.Scheduler,
		logger:       slog.Default().With("component", "api"),
	}
}

// Handler builds the routing table wrapped in auth and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/auth/nonce", s.handleAuthNonce)
	mux.HandleFunc("/auth/login", s.handleAuthLogin)
	mux.HandleFunc("/subjects", s.handleSubjects)
	mux.HandleFunc("/subjectAccounts", s.handleSubjectAccounts)
	mux.HandleFunc("/workgroups", s.handleWorkgroups)
	mux.HandleFunc("/workgroups/", s.handleWorkgroupByID)
	mux.HandleFunc("/worksteps", s.handleWorksteps)
	mux.HandleFunc("/workflows", s.handleWorkflows)
	mux.HandleFunc("/workflows/", s.handleWorkflowByID)
	mux.HandleFunc("/transactions", s.handleTransactions)
	mux.HandleFunc("/transactions/", s.handleTransactionByID)
	mux.HandleFunc("/accounts/", s.handleAccountByID)
	mux.HandleFunc("/vsm/cycle", s.handleCycleTrigger)

	limiter := NewRateLimiter(50, 100)
	auth := NewAuthMiddleware(s.tokens)
	return limiter.Middleware(auth(mux))
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
