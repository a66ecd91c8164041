// Package auth drives the login protocol for one job: primary login, session
// exchange, access check and, when the remote service asks for it, a second
// factor submitted later through Verify.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/metrics"
)

// ErrNoPendingVerification is returned by Verify when Begin did not pause.
var ErrNoPendingVerification = errors.New("no verification pending")

// Session belongs to exactly one job.
type Session struct {
	jobID  string
	remote export.Session
	logger *zap.Logger

	mu      sync.Mutex
	pending export.VerificationKind
}

// New wraps a remote session for jobID.
func New(jobID string, remote export.Session, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		jobID:  jobID,
		remote: remote,
		logger: logger.Named("auth").With(zap.String("job_id", jobID)),
	}
}

// Begin logs in and checks access. It returns AccessOK when the job may crawl
// right away, or AccessVerificationRequired when a code must be submitted via
// Verify. Every failure is an *export.AuthError.
func (s *Session) Begin(ctx context.Context, creds export.Credentials) (export.AccessResult, error) {
	token, err := s.remote.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return export.AccessResult{}, asAuthError("login", err)
	}
	if err := s.remote.ExchangeSession(ctx, token); err != nil {
		return export.AccessResult{}, asAuthError("exchange", err)
	}

	res := s.remote.CheckAccess(ctx)
	switch res.Outcome {
	case export.AccessOK:
		s.logger.Info("access granted")
		return res, nil
	case export.AccessVerificationRequired:
		metrics.ObserveVerificationRequired(string(res.Kind))
		if res.Kind == export.VerificationSMS {
			if err := s.remote.RequestVerificationCode(ctx); err != nil {
				return export.AccessResult{}, asAuthError("access", err)
			}
		}
		s.mu.Lock()
		s.pending = res.Kind
		s.mu.Unlock()
		s.logger.Info("verification required", zap.String("kind", string(res.Kind)))
		return res, nil
	default:
		reason := res.Reason
		if reason == "" {
			reason = "access denied"
		}
		return export.AccessResult{}, &export.AuthError{Stage: "access", Reason: reason}
	}
}

// Pending returns the second factor Begin paused for, if any.
func (s *Session) Pending() (export.VerificationKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.pending != ""
}

// Verify submits code for the pending second factor. A rejected code is an
// *export.AuthError; the pending state is cleared only on success.
func (s *Session) Verify(ctx context.Context, code string) error {
	kind, ok := s.Pending()
	if !ok {
		return ErrNoPendingVerification
	}
	if err := s.remote.SubmitVerificationCode(ctx, kind, code); err != nil {
		return asAuthError("verify", err)
	}
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
	s.logger.Info("verification accepted")
	return nil
}

// Remote returns the authenticated remote session for the crawl phase.
func (s *Session) Remote() export.Session {
	return s.remote
}

func asAuthError(stage string, err error) error {
	var authErr *export.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &export.AuthError{Stage: stage, Reason: fmt.Sprint(err)}
}
