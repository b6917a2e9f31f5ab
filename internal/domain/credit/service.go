package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxConsumeAttempts bounds the retries after a compare-and-swap conflict.
const maxConsumeAttempts = 3

// Service is the only writer of grant consumption and status. Every mutation
// runs in one transaction and recomputes the affected balances before commit.
type Service struct {
	repo     Store
	registry *Registry
	bus      *EventBus
	now      func() time.Time

	consumeValidators []ConsumeValidator
	statusValidators  []StatusValidator
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventBus sets the bus ledger events are published on.
func WithEventBus(bus *EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithConsumeValidator adds a hook consulted for every grant a consumption draws from.
func WithConsumeValidator(v ConsumeValidator) Option {
	return func(s *Service) { s.consumeValidators = append(s.consumeValidators, v) }
}

// WithStatusValidator adds a hook consulted before every status change.
func WithStatusValidator(v StatusValidator) Option {
	return func(s *Service) { s.statusValidators = append(s.statusValidators, v) }
}

// NewService creates a new credit service
func NewService(repo Store, registry *Registry, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus()
	}
	return s
}

// Registry returns the credit type registry the service validates against.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Events returns the service's event bus.
func (s *Service) Events() *EventBus {
	return s.bus
}

// clock returns the current time in UTC at the precision the store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// AddCredit grants amount credits of typeID to the user and returns the new grant id.
func (s *Service) AddCredit(ctx context.Context, userID int64, amount decimal.Decimal, typeID TypeID, opts AddOptions) (int64, error) {
	now := s.clock()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		s.logFailure(err, "add credit", userID, amount)
		return 0, err
	}
	defer tx.Rollback()

	grant, err := s.addTx(ctx, tx, userID, amount, typeID, opts, now)
	if err != nil {
		s.logFailure(err, "add credit", userID, amount)
		return 0, err
	}

	balance, err := s.recomputeTx(ctx, tx, userID, now)
	if err != nil {
		s.logFailure(err, "add credit", userID, amount)
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("%w: commit: %w", ErrPersistence, err)
		s.logFailure(err, "add credit", userID, amount)
		return 0, err
	}

	s.bus.Publish(ctx, Event{
		Type:       EventCreditAdded,
		UserID:     userID,
		GrantID:    grant.ID,
		CreditType: grant.CreditType,
		Amount:     grant.Credit,
		NewStatus:  grant.Status,
		OccurredAt: now,
	})
	s.publishBalance(ctx, userID, balance, now)

	return grant.ID, nil
}

// addTx validates and inserts a grant on tx. It does not touch balances.
func (s *Service) addTx(ctx context.Context, tx *sqlx.Tx, userID int64, amount decimal.Decimal, typeID TypeID, opts AddOptions, now time.Time) (*Grant, error) {
	if !s.registry.Exists(typeID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typeID)
	}
	if !s.registry.ValidateAmount(typeID, amount) {
		return nil, fmt.Errorf("%w: %s for type %q", ErrInvalidAmount, amount, typeID)
	}

	start := now
	if opts.StartDate != nil {
		start = opts.StartDate.UTC().Truncate(time.Microsecond)
	}

	var expiration *time.Time
	if opts.ExpirationDate != nil {
		exp := opts.ExpirationDate.UTC().Truncate(time.Microsecond)
		expiration = &exp
	} else {
		expiration = s.registry.CalculateExpiration(typeID, start)
	}
	if expiration != nil && !expiration.After(start) {
		return nil, ErrInvalidExpiration
	}

	status := StatusActive
	if opts.Status != nil {
		if !opts.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *opts.Status)
		}
		status = *opts.Status
	}

	typeRef := opts.TypeRef
	if typeRef == "" {
		typeRef = uuid.NewString()
	}
	meta := opts.Meta
	if meta == nil {
		meta = Meta{}
	}

	grant := &Grant{
		UserID:         userID,
		CreditType:     typeID,
		TypeRef:        typeRef,
		Credit:         amount,
		Consumed:       decimal.Zero,
		StartDate:      start,
		ExpirationDate: expiration,
		Status:         status,
		Comment:        opts.Comment,
		Meta:           meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	id, err := s.repo.InsertGrant(ctx, tx, grant)
	if err != nil {
		return nil, err
	}
	grant.ID = id
	return grant, nil
}

// ConsumeCredits draws amount from the user's available grants. Either the
// whole amount is consumed or nothing is.
func (s *Service) ConsumeCredits(ctx context.Context, userID int64, amount decimal.Decimal, opts ConsumeOptions) (*ConsumeResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if opts.CreditType != nil && !s.registry.Exists(*opts.CreditType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, *opts.CreditType)
	}

	var (
		result *ConsumeResult
		err    error
	)
	for attempt := 1; attempt <= maxConsumeAttempts; attempt++ {
		result, err = s.consumeOnce(ctx, userID, amount, opts)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		log.Warn().
			Int64("user_id", userID).
			Int("attempt", attempt).
			Msg("Credit grant changed during consumption, retrying")
	}
	if err != nil {
		s.logFailure(err, "consume credits", userID, amount)
		return nil, err
	}
	return result, nil
}

func (s *Service) consumeOnce(ctx context.Context, userID int64, amount decimal.Decimal, opts ConsumeOptions) (*ConsumeResult, error) {
	now := s.clock()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	drawn, err := s.consumeTx(ctx, tx, userID, amount, opts, nil, now)
	if err != nil {
		return nil, err
	}

	balance, err := s.recomputeTx(ctx, tx, userID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}

	result := &ConsumeResult{
		UserID:       userID,
		Amount:       amount,
		Consumptions: make([]Consumption, 0, len(drawn)),
		Balance:      balance,
	}
	for _, d := range drawn {
		result.Consumptions = append(result.Consumptions, Consumption{GrantID: d.grantID, Amount: d.amount})
		s.bus.Publish(ctx, Event{
			Type:       EventCreditConsumed,
			UserID:     userID,
			GrantID:    d.grantID,
			CreditType: d.creditType,
			Amount:     d.amount,
			OccurredAt: now,
		})
	}
	s.publishBalance(ctx, userID, balance, now)

	return result, nil
}

type draw struct {
	grantID    int64
	creditType TypeID
	amount     decimal.Decimal
}

// consumeTx walks the user's available grants on tx and draws amount from them.
// eligible, when set, excludes grants before any validator is consulted.
func (s *Service) consumeTx(ctx context.Context, tx *sqlx.Tx, userID int64, amount decimal.Decimal, opts ConsumeOptions, eligible func(Grant) bool, now time.Time) ([]draw, error) {
	grants, err := s.repo.FindAvailableGrants(ctx, tx, userID, opts.CreditType, now)
	if err != nil {
		return nil, err
	}
	if eligible != nil {
		filtered := grants[:0]
		for _, g := range grants {
			if eligible(g) {
				filtered = append(filtered, g)
			}
		}
		grants = filtered
	}
	if len(grants) == 0 {
		return nil, ErrNoCreditsAvailable
	}

	if opts.Order == NewestFirst {
		for i, j := 0, len(grants)-1; i < j; i, j = i+1, j-1 {
			grants[i], grants[j] = grants[j], grants[i]
		}
	}

	remaining := amount
	drawn := make([]draw, 0, len(grants))

	for _, g := range grants {
		if !remaining.IsPositive() {
			break
		}

		take := decimal.Min(remaining, g.Remaining())
		if !take.IsPositive() {
			continue
		}
		if !s.allowConsume(ctx, opts.Validator, g, take) {
			continue
		}

		var meta Meta
		if len(opts.Meta) > 0 {
			meta = g.Meta.merge(opts.Meta)
		}
		if err := s.repo.ConsumeFromGrant(ctx, tx, g.ID, g.Consumed, g.Consumed.Add(take), meta, now); err != nil {
			return nil, err
		}

		drawn = append(drawn, draw{grantID: g.ID, creditType: g.CreditType, amount: take})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: short by %s", ErrInsufficientCredits, remaining)
	}
	return drawn, nil
}

func (s *Service) allowConsume(ctx context.Context, perCall ConsumeValidator, g Grant, amount decimal.Decimal) bool {
	for _, v := range s.consumeValidators {
		if !v(ctx, g, amount) {
			return false
		}
	}
	if perCall != nil && !perCall(ctx, g, amount) {
		return false
	}
	return true
}

// TransferCredits moves amount from one user to another. The sender's
// transferable grants are consumed and a new grant is added to the recipient
// in the same transaction, so a failure on either side undoes both.
func (s *Service) TransferCredits(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, opts TransferOptions) (*TransferResult, error) {
	if fromUserID == toUserID {
		return nil, ErrSameUser
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	receiveType := TypeTransfer
	if opts.CreditType != nil {
		receiveType = *opts.CreditType
	}
	if !s.registry.Exists(receiveType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, receiveType)
	}
	if opts.SourceType != nil {
		if !s.registry.Exists(*opts.SourceType) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidType, *opts.SourceType)
		}
		if !s.registry.Transferable(*opts.SourceType) {
			return nil, ErrNotTransferable
		}
	}

	var (
		result *TransferResult
		err    error
	)
	for attempt := 1; attempt <= maxConsumeAttempts; attempt++ {
		result, err = s.transferOnce(ctx, fromUserID, toUserID, amount, receiveType, opts)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		log.Warn().
			Int64("from_user_id", fromUserID).
			Int("attempt", attempt).
			Msg("Credit grant changed during transfer, retrying")
	}
	if err != nil {
		s.logFailure(err, "transfer credits", fromUserID, amount)
		return nil, err
	}
	return result, nil
}

func (s *Service) transferOnce(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, receiveType TypeID, opts TransferOptions) (*TransferResult, error) {
	now := s.clock()
	transferID := uuid.NewString()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	eligible := func(g Grant) bool {
		return s.registry.Transferable(g.CreditType)
	}

	grants, err := s.repo.FindAvailableGrants(ctx, tx, fromUserID, opts.SourceType, now)
	if err != nil {
		return nil, err
	}
	available := decimal.Zero
	for _, g := range grants {
		if eligible(g) {
			available = available.Add(g.Remaining())
		}
	}
	if available.LessThan(amount) {
		return nil, fmt.Errorf("%w: %s transferable, %s requested", ErrInsufficientCredits, available, amount)
	}

	consumeOpts := ConsumeOptions{
		CreditType: opts.SourceType,
		Order:      opts.Order,
		Meta: Meta{
			"transfer_id": transferID,
			"transfer_to": toUserID,
		},
	}
	drawn, err := s.consumeTx(ctx, tx, fromUserID, amount, consumeOpts, eligible, now)
	if err != nil {
		return nil, err
	}

	received, err := s.addTx(ctx, tx, toUserID, amount, receiveType, AddOptions{
		TypeRef: transferID,
		Comment: opts.Comment,
		Meta: Meta{
			"transfer_id":   transferID,
			"transfer_from": fromUserID,
		},
	}, now)
	if err != nil {
		return nil, err
	}

	fromBalance, err := s.recomputeTx(ctx, tx, fromUserID, now)
	if err != nil {
		return nil, err
	}
	toBalance, err := s.recomputeTx(ctx, tx, toUserID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}

	result := &TransferResult{
		TransferID:    transferID,
		FromUserID:    fromUserID,
		ToUserID:      toUserID,
		Amount:        amount,
		ReceivedGrant: received.ID,
		Consumptions:  make([]Consumption, 0, len(drawn)),
	}
	for _, d := range drawn {
		result.Consumptions = append(result.Consumptions, Consumption{GrantID: d.grantID, Amount: d.amount})
		s.bus.Publish(ctx, Event{
			Type:       EventCreditConsumed,
			UserID:     fromUserID,
			GrantID:    d.grantID,
			CreditType: d.creditType,
			Amount:     d.amount,
			TransferID: transferID,
			OccurredAt: now,
		})
	}
	s.bus.Publish(ctx, Event{
		Type:       EventCreditAdded,
		UserID:     toUserID,
		GrantID:    received.ID,
		CreditType: received.CreditType,
		Amount:     received.Credit,
		NewStatus:  received.Status,
		TransferID: transferID,
		OccurredAt: now,
	})
	s.publishBalance(ctx, fromUserID, fromBalance, now)
	s.publishBalance(ctx, toUserID, toBalance, now)
	s.bus.Publish(ctx, Event{
		Type:       EventCreditsTransferred,
		UserID:     fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		TransferID: transferID,
		OccurredAt: now,
	})

	return result, nil
}

// UpdateCreditStatus moves a grant to status. Setting the current status is a no-op.
func (s *Service) UpdateCreditStatus(ctx context.Context, grantID int64, status Status, opts StatusOptions) error {
	_, err := s.updateStatus(ctx, grantID, status, opts)
	if errors.Is(err, ErrPersistence) {
		log.Error().
			Err(err).
			Int64("grant_id", grantID).
			Str("status", string(status)).
			Msg("Credit ledger persistence failure")
	}
	return err
}

// updateStatus reports whether the grant actually changed.
func (s *Service) updateStatus(ctx context.Context, grantID int64, status Status, opts StatusOptions) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := s.clock()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	grant, err := s.repo.GetGrant(ctx, tx, grantID)
	if err != nil {
		return false, err
	}
	old := grant.Status
	if old == status {
		return false, nil
	}
	if !old.CanTransition(status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, status)
	}
	for _, v := range s.statusValidators {
		if err := v(ctx, *grant, status); err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransitionVetoed, err)
		}
	}

	if err := s.repo.UpdateStatus(ctx, tx, grantID, old, status, now); err != nil {
		return false, err
	}
	if opts.Comment != nil || len(opts.Meta) > 0 {
		upd := GrantUpdate{Comment: opts.Comment}
		if len(opts.Meta) > 0 {
			upd.Meta = grant.Meta.merge(opts.Meta)
		}
		if err := s.repo.UpdateGrant(ctx, tx, grantID, upd, now); err != nil {
			return false, err
		}
	}

	affectsBalance := old == StatusActive || status == StatusActive
	var balance decimal.Decimal
	if affectsBalance {
		balance, err = s.recomputeTx(ctx, tx, grant.UserID, now)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}

	s.bus.Publish(ctx, Event{
		Type:       EventCreditStatusUpdated,
		UserID:     grant.UserID,
		GrantID:    grantID,
		CreditType: grant.CreditType,
		OldStatus:  old,
		NewStatus:  status,
		OccurredAt: now,
	})
	if status == StatusExpired {
		s.bus.Publish(ctx, Event{
			Type:       EventCreditExpired,
			UserID:     grant.UserID,
			GrantID:    grantID,
			CreditType: grant.CreditType,
			Amount:     grant.Remaining(),
			OldStatus:  old,
			NewStatus:  status,
			OccurredAt: now,
		})
	}
	if affectsBalance {
		s.publishBalance(ctx, grant.UserID, balance, now)
	}
	return true, nil
}

// ProcessExpiredCredits expires every active grant whose expiration date has
// passed and returns how many were moved. Grants that changed underneath the
// sweep are skipped; other failures are reported after the sweep completes.
func (s *Service) ProcessExpiredCredits(ctx context.Context) (int, error) {
	expired, err := s.repo.FindExpired(ctx, s.repo.DB(), s.clock())
	if err != nil {
		return 0, err
	}

	count := 0
	var errs []error
	for _, g := range expired {
		changed, err := s.updateStatus(ctx, g.ID, StatusExpired, StatusOptions{})
		switch {
		case err == nil:
			if changed {
				count++
			}
		case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrCreditNotFound):
			log.Debug().Int64("grant_id", g.ID).Err(err).Msg("Skipping grant changed during expiration sweep")
		default:
			log.Error().Err(err).Int64("grant_id", g.ID).Int64("user_id", g.UserID).Msg("Failed to expire credit")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return count, fmt.Errorf("expire credits: %d of %d failed: %w", len(errs), len(expired), errors.Join(errs...))
	}
	return count, nil
}

// GetBalance returns the user's cached balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, s.repo.DB(), userID)
}

// RecalculateBalance recomputes and stores the user's balance from their grants.
func (s *Service) RecalculateBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	now := s.clock()
	balance, err := s.recomputeTx(ctx, s.repo.DB(), userID, now)
	if err != nil {
		s.logFailure(err, "recalculate balance", userID, decimal.Zero)
		return decimal.Zero, err
	}
	s.publishBalance(ctx, userID, balance, now)
	return balance, nil
}

// AvailableCredits returns the live drawable amount, optionally for one type.
func (s *Service) AvailableCredits(ctx context.Context, userID int64, creditType *TypeID) (decimal.Decimal, error) {
	grants, err := s.repo.FindAvailableGrants(ctx, s.repo.DB(), userID, creditType, s.clock())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range grants {
		total = total.Add(grants[i].Remaining())
	}
	return total, nil
}

func (s *Service) GetCredit(ctx context.Context, grantID int64) (*Grant, error) {
	return s.repo.GetGrant(ctx, s.repo.DB(), grantID)
}

// ListCredits returns a page of the user's grants, newest first
func (s *Service) ListCredits(ctx context.Context, userID int64, filter ListFilter) ([]Grant, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	return s.repo.ListByUser(ctx, s.repo.DB(), userID, filter)
}

// SearchCredits returns filtered grants (admin use)
func (s *Service) SearchCredits(ctx context.Context, filters SearchFilters) ([]Grant, error) {
	return s.repo.Search(ctx, s.repo.DB(), filters)
}

// DeleteUserCredits marks every grant of a removed user as deleted and zeroes
// the cached balance. It returns the number of grants changed.
func (s *Service) DeleteUserCredits(ctx context.Context, userID int64) (int, error) {
	now := s.clock()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	grants, err := s.repo.FindByUserStatuses(ctx, tx, userID, []Status{StatusActive, StatusPending, StatusExpired})
	if err != nil {
		return 0, err
	}
	for _, g := range grants {
		if err := s.repo.UpdateStatus(ctx, tx, g.ID, g.Status, StatusDeleted, now); err != nil {
			return 0, err
		}
	}

	balance, err := s.recomputeTx(ctx, tx, userID, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("%w: commit: %w", ErrPersistence, err)
		s.logFailure(err, "delete user credits", userID, decimal.Zero)
		return 0, err
	}

	for _, g := range grants {
		s.bus.Publish(ctx, Event{
			Type:       EventCreditStatusUpdated,
			UserID:     userID,
			GrantID:    g.ID,
			CreditType: g.CreditType,
			OldStatus:  g.Status,
			NewStatus:  StatusDeleted,
			OccurredAt: now,
		})
	}
	s.publishBalance(ctx, userID, balance, now)

	log.Info().Int64("user_id", userID).Int("grants", len(grants)).Msg("User credits deleted")
	return len(grants), nil
}

// recomputeTx derives the balance from the grants and stores it.
func (s *Service) recomputeTx(ctx context.Context, q sqlx.ExtContext, userID int64, now time.Time) (decimal.Decimal, error) {
	balance, err := s.repo.SumAvailable(ctx, q, userID, now)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.SaveBalance(ctx, q, userID, balance, now); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (s *Service) publishBalance(ctx context.Context, userID int64, balance decimal.Decimal, now time.Time) {
	s.bus.Publish(ctx, Event{
		Type:       EventBalanceUpdated,
		UserID:     userID,
		Balance:    balance,
		OccurredAt: now,
	})
}

// logFailure records store failures with their operands. Business outcomes
// such as insufficient credits are not logged here.
func (s *Service) logFailure(err error, op string, userID int64, amount decimal.Decimal) {
	if !errors.Is(err, ErrPersistence) {
		return
	}
	log.Error().
		Err(err).
		Str("op", op).
		Int64("user_id", userID).
		Str("amount", amount.String()).
		Msg("Credit ledger persistence failure")
}
