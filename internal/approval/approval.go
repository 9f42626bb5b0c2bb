// Package approval issues and resolves client approval requests. The raw token is
// the only credential of the public approval link; it is handed out once and only
// its SHA-256 digest is stored.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"stageline/internal/domain"
	"stageline/internal/notify"
)

const defaultNotifyTimeout = 10 * time.Second

// Store is the slice of storage the service needs. Callers pass a transaction-bound
// store so the approval row commits together with its event.
type Store interface {
	InsertApproval(ctx context.Context, a domain.Approval) error
	GetApprovalByTokenHash(ctx context.Context, hash string) (domain.Approval, error)
	// UpdateApproval must only touch a pending row and report domain.ErrAlreadyResolved
	// when none matched.
	UpdateApproval(ctx context.Context, id string, patch domain.ApprovalPatch) error
}

type Service struct {
	Notifier      notify.Dispatcher
	Logger        *slog.Logger
	Now           func() time.Time
	BaseURL       string
	NotifyTimeout time.Duration
	// NewToken overrides token generation in tests.
	NewToken func() (string, error)
	// Inflight, when set, tracks background notifications so short-lived callers
	// can wait for them before exiting.
	Inflight *sync.WaitGroup
}

// Issued is the result of a new approval request. Token and URL are never persisted.
type Issued struct {
	Approval domain.Approval
	Token    string
	URL      string
}

// NewToken returns a random UUIDv4 string (122 random bits).
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return id.String(), nil
}

// HashToken returns the hex SHA-256 digest stored in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// ParseDecision maps a submitted decision onto the approval status it produces.
func ParseDecision(decision string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case domain.DecisionApprove:
		return domain.ApprovalApproved, nil
	case domain.DecisionReject, domain.DecisionRequestChanges:
		return domain.ApprovalRejected, nil
	default:
		return "", fmt.Errorf("%w: decision must be approve, reject or request_changes", domain.ErrInvalid)
	}
}

func (s Service) now() string {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// URL builds the shareable link for a raw token.
func (s Service) URL(token string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/approval/" + token
}

// Issue creates a pending approval for the stage. Preconditions (gating, policy,
// duplicates) are the caller's concern.
func (s Service) Issue(ctx context.Context, st Store, stage domain.Stage, requestedBy, notes string) (Issued, error) {
	gen := s.NewToken
	if gen == nil {
		gen = NewToken
	}
	token, err := gen()
	if err != nil {
		return Issued{}, err
	}
	a := domain.Approval{
		ID:          ulid.Make().String(),
		StageID:     stage.ID,
		RequestedBy: requestedBy,
		Notes:       strings.TrimSpace(notes),
		TokenHash:   HashToken(token),
		Status:      domain.ApprovalPending,
		CreatedAt:   s.now(),
	}
	if err := st.InsertApproval(ctx, a); err != nil {
		return Issued{}, err
	}
	return Issued{Approval: a, Token: token, URL: s.URL(token)}, nil
}

// Lookup returns the approval behind a raw token.
func (s Service) Lookup(ctx context.Context, st Store, token string) (domain.Approval, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Approval{}, domain.ErrNotFound
	}
	return st.GetApprovalByTokenHash(ctx, HashToken(token))
}

// Resolve records a decision against a pending approval. A second resolution of
// the same token, concurrent or not, fails with domain.ErrAlreadyResolved and leaves
// the first decision untouched.
func (s Service) Resolve(ctx context.Context, st Store, token, decision, approverName, comment string) (domain.Approval, error) {
	status, err := ParseDecision(decision)
	if err != nil {
		return domain.Approval{}, err
	}
	name := strings.TrimSpace(approverName)
	if name == "" {
		return domain.Approval{}, fmt.Errorf("%w: approver_name is required", domain.ErrInvalid)
	}
	a, err := s.Lookup(ctx, st, token)
	if err != nil {
		return domain.Approval{}, err
	}
	if a.Status != domain.ApprovalPending {
		return a, fmt.Errorf("approval %s: %w", a.ID, domain.ErrAlreadyResolved)
	}
	patch := domain.ApprovalPatch{
		Status:          status,
		Decision:        strings.ToLower(strings.TrimSpace(decision)),
		ResponseComment: strings.TrimSpace(comment),
		ApprovedAt:      s.now(),
		ApprovedByName:  name,
	}
	if err := st.UpdateApproval(ctx, a.ID, patch); err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			if current, lerr := st.GetApprovalByTokenHash(ctx, a.TokenHash); lerr == nil {
				a = current
			}
		}
		return a, err
	}
	a.Status = patch.Status
	a.Decision = &patch.Decision
	if patch.ResponseComment != "" {
		a.ResponseComment = &patch.ResponseComment
	}
	a.ApprovedAt = &patch.ApprovedAt
	a.ApprovedByName = &patch.ApprovedByName
	return a, nil
}

// Announce sends n in the background. Failures are logged and never reach the caller.
func (s Service) Announce(n notify.Notification) {
	if s.Notifier == nil {
		return
	}
	if n.OccurredAt == "" {
		n.OccurredAt = s.now()
	}
	timeout := s.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	logger := s.logger()
	if s.Inflight != nil {
		s.Inflight.Add(1)
	}
	go func() {
		if s.Inflight != nil {
			defer s.Inflight.Done()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Notifier.Notify(ctx, n); err != nil {
			logger.Warn("notification failed", "kind", n.Kind, "stage_id", n.StageID, "err", err)
		}
	}()
}
