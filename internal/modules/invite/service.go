// README: Invite service: admin management, lazy expiry sweep on read, and redemption.
package invite

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/metrics"
	"shuttle/internal/retry"
	"shuttle/internal/types"
)

type Repository interface {
	Create(ctx context.Context, l *Link) error
	Get(ctx context.Context, code string) (*Link, error)
	List(ctx context.Context, statuses []Status, limit int) ([]Link, error)
	MarkExpired(ctx context.Context, codes []string) (int64, error)
	Redeem(ctx context.Context, code string, account types.ID, now time.Time) (*Link, bool, error)
}

// RoleGranter assigns a role to an identity-provider account.
type RoleGranter interface {
	GrantRole(ctx context.Context, uid, role string) error
}

type Deps struct {
	Repo         Repository
	Grants       RoleGranter
	Events       events.Publisher
	Clock        clock.Clock
	Log          *zap.Logger
	Retry        retry.Policy
	SweepTimeout time.Duration
	DefaultTTL   time.Duration
}

type Service struct {
	repo         Repository
	grants       RoleGranter
	events       events.Publisher
	clock        clock.Clock
	log          *zap.Logger
	retry        retry.Policy
	sweepTimeout time.Duration
	defaultTTL   time.Duration
	sweeps       sync.WaitGroup
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:         d.Repo,
		grants:       d.Grants,
		events:       d.Events,
		clock:        d.Clock,
		log:          d.Log,
		retry:        d.Retry,
		sweepTimeout: d.SweepTimeout,
		defaultTTL:   d.DefaultTTL,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = retry.Default()
	}
	if s.sweepTimeout <= 0 {
		s.sweepTimeout = 2 * time.Second
	}
	return s
}

// Create issues a single-use code for role. A ttl of zero uses the default;
// a negative ttl creates a link that never expires.
func (s *Service) Create(ctx context.Context, actor access.Actor, role access.Role, ttl time.Duration) (*Link, error) {
	if err := access.Require(actor, access.CapInviteManage); err != nil {
		return nil, err
	}
	if !role.Invitable() {
		return nil, fmt.Errorf("%w: role %q cannot be invited", apperr.ErrBadRequest, role)
	}
	now := s.clock.Now()
	l := &Link{
		Code:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		Role:      role,
		CreatedBy: actor.ID,
		CreatedAt: now,
		Status:    StatusActive,
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		l.ExpiresAt = &exp
	}
	if err := s.repo.Create(ctx, l); err != nil {
		return nil, err
	}
	s.log.Info("invite created", zap.String("role", string(role)), zap.String("admin_id", actor.ID.String()))
	return l, nil
}

// List returns links with lapsed ones already reported as expired.
func (s *Service) List(ctx context.Context, actor access.Actor, f Filter) ([]Link, error) {
	if err := access.Require(actor, access.CapInviteManage); err != nil {
		return nil, err
	}
	var statuses []Status
	switch f.Status {
	case "":
	case StatusExpired:
		// Lapsed links may still be stored as active.
		statuses = []Status{StatusExpired, StatusActive}
	case StatusActive, StatusUsed:
		statuses = []Status{f.Status}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrBadRequest, f.Status)
	}
	links, err := s.repo.List(ctx, statuses, f.Limit)
	if err != nil {
		return nil, err
	}
	s.sweep(ctx, links)
	if f.Status == "" {
		return links, nil
	}
	out := links[:0]
	for _, l := range links {
		if l.Status == f.Status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, actor access.Actor, code string) (*Link, error) {
	if err := access.Require(actor, access.CapInviteManage); err != nil {
		return nil, err
	}
	l, err := s.repo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	links := []Link{*l}
	s.sweep(ctx, links)
	return &links[0], nil
}

// sweep reclassifies lapsed links in place and persists exactly those rows in
// the background. Persistence failures are logged and picked up on the next
// read.
func (s *Service) sweep(ctx context.Context, links []Link) {
	now := s.clock.Now()
	var codes []string
	for i := range links {
		if links[i].ExpiredAt(now) {
			links[i].Status = StatusExpired
			codes = append(codes, links[i].Code)
		}
	}
	if len(codes) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sweepTimeout)
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		defer cancel()
		n, err := s.repo.MarkExpired(sctx, codes)
		if err != nil {
			s.log.Warn("persist invite expiry", zap.Strings("codes", codes), zap.Error(err))
			return
		}
		metrics.InviteExpirations.Add(float64(n))
	}()
}

// Drain waits for background expiry writes to finish.
func (s *Service) Drain() {
	s.sweeps.Wait()
}

// Redeem grants the link's role to the calling account, then consumes the
// link. A link is only ever moved from active to used; if the consuming write
// loses, the grant is rolled back to the caller's previous role.
func (s *Service) Redeem(ctx context.Context, actor access.Actor, code string) (*Link, error) {
	if err := access.Require(actor, access.CapInviteRedeem); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, apperr.ErrBadRequest
	}
	now := s.clock.Now()
	cur, err := s.repo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.redeemable(ctx, cur, now); err != nil {
		return nil, err
	}

	if err := s.grant(ctx, actor.ID, cur.Role); err != nil {
		s.log.Error("grant invited role",
			zap.String("account_id", actor.ID.String()),
			zap.String("role", string(cur.Role)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: grant role: %v", apperr.ErrUnavailable, err)
	}

	l, ok, err := s.repo.Redeem(ctx, code, actor.ID, now)
	if err != nil || !ok {
		s.revoke(ctx, actor, cur.Role)
		if err != nil {
			return nil, err
		}
		if rerr := s.redeemable(ctx, l, now); rerr != nil {
			return nil, rerr
		}
		return nil, apperr.ErrConflict
	}

	if err := s.events.Publish(ctx, events.Event{
		Key:        "invite.redeemed",
		EntityID:   l.Code,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ID.String(),
		Data:       map[string]any{"role": string(l.Role)},
		OccurredAt: now,
	}); err != nil {
		s.log.Warn("publish invite event", zap.Error(err))
	}
	s.log.Info("invite redeemed", zap.String("account_id", actor.ID.String()), zap.String("role", string(l.Role)))
	return l, nil
}

func (s *Service) redeemable(ctx context.Context, l *Link, now time.Time) error {
	switch {
	case l.Status == StatusUsed:
		return apperr.ErrInviteUsed
	case l.Status == StatusExpired:
		return apperr.ErrInviteExpired
	case l.ExpiredAt(now):
		s.sweep(ctx, []Link{*l})
		return apperr.ErrInviteExpired
	}
	return nil
}

// revoke puts the caller back on the role it held before a grant whose link
// was consumed by someone else.
func (s *Service) revoke(ctx context.Context, actor access.Actor, granted access.Role) {
	if actor.Role == granted {
		return
	}
	if err := s.grant(context.WithoutCancel(ctx), actor.ID, actor.Role); err != nil {
		s.log.Error("revoke invited role",
			zap.String("account_id", actor.ID.String()),
			zap.String("role", string(granted)),
			zap.Error(err),
		)
	}
}

func (s *Service) grant(ctx context.Context, account types.ID, role access.Role) error {
	if s.grants == nil {
		return apperr.ErrUnavailable
	}
	policy := s.retry
	policy.Retryable = func(error) bool { return true }
	policy.OnRetry = func(err error, next time.Duration) {
		metrics.RetryAttempts.WithLabelValues("invite.grant").Inc()
		s.log.Warn("retrying role grant", zap.Duration("next", next), zap.Error(err))
	}
	return retry.Run(ctx, policy, func(ctx context.Context) error {
		return s.grants.GrantRole(ctx, account.String(), string(role))
	})
}
