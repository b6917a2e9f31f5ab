package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Job names a maintenance job.
type Job string

const (
	JobExpirationCheck  Job = "expiration_check"
	JobExpirationNotice Job = "expiration_notice"
	JobBalanceSync      Job = "balance_sync"
	JobCleanup          Job = "cleanup"
)

// Jobs lists every job in the order Run starts them.
var Jobs = []Job{JobExpirationCheck, JobExpirationNotice, JobBalanceSync, JobCleanup}

// ErrUnknownJob is returned by RunJob for names outside Jobs.
var ErrUnknownJob = errors.New("unknown credit job")

// ParseJob validates a job name.
func ParseJob(raw string) (Job, error) {
	for _, j := range Jobs {
		if string(j) == raw {
			return j, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJob, raw)
}

// DefaultIntervals are the cadences Run uses unless overridden.
var DefaultIntervals = map[Job]time.Duration{
	JobExpirationCheck:  24 * time.Hour,
	JobExpirationNotice: 24 * time.Hour,
	JobBalanceSync:      time.Hour,
	JobCleanup:          7 * 24 * time.Hour,
}

// Locker serialises job runs across processes. ok is false when another
// holder already has key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// JobObserver is told about every finished job run.
type JobObserver interface {
	ObserveJob(job string, processed int, took time.Duration, err error)
}

// SchedulerConfig holds the tunables of the maintenance jobs.
type SchedulerConfig struct {
	NotificationsEnabled bool
	NoticeWindow         time.Duration
	RetentionPeriod      time.Duration
	Notice               NoticeTemplate
	Intervals            map[Job]time.Duration
	LockTTL              time.Duration
}

// Scheduler runs the periodic ledger jobs.
type Scheduler struct {
	service  *Service
	repo     Store
	mailer   Mailer
	users    UserDirectory
	locker   Locker
	observer JobObserver
	cfg      SchedulerConfig
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

func WithJobObserver(o JobObserver) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// NewScheduler wires the jobs. mailer and users may be nil when
// notifications are disabled.
func NewScheduler(service *Service, mailer Mailer, users UserDirectory, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 365 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	intervals := make(map[Job]time.Duration, len(DefaultIntervals))
	for job, d := range DefaultIntervals {
		intervals[job] = d
	}
	for job, d := range cfg.Intervals {
		if d > 0 {
			intervals[job] = d
		}
	}
	cfg.Intervals = intervals

	s := &Scheduler{
		service: service,
		repo:    service.repo,
		mailer:  mailer,
		users:   users,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunJob runs one job to completion and returns how many items it processed.
// Jobs are idempotent; a run skipped because another worker holds the lock
// returns 0 and no error.
func (s *Scheduler) RunJob(ctx context.Context, job Job) (int, error) {
	run, ok := s.jobFunc(job)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}

	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, "credits:job:"+string(job), s.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("acquire %s lock: %w", job, err)
		}
		if !acquired {
			log.Info().Str("job", string(job)).Msg("Credit job already running elsewhere, skipping")
			return 0, nil
		}
		defer release()
	}

	start := time.Now()
	processed, err := run(ctx)
	took := time.Since(start)

	if s.observer != nil {
		s.observer.ObserveJob(string(job), processed, took, err)
	}

	if err != nil {
		log.Error().Err(err).Str("job", string(job)).Int("processed", processed).Dur("took", took).Msg("Credit job failed")
		return processed, err
	}
	log.Info().Str("job", string(job)).Int("processed", processed).Dur("took", took).Msg("Credit job done")
	return processed, nil
}

func (s *Scheduler) jobFunc(job Job) (func(context.Context) (int, error), bool) {
	switch job {
	case JobExpirationCheck:
		return s.service.ProcessExpiredCredits, true
	case JobExpirationNotice:
		return s.sendExpirationNotices, true
	case JobBalanceSync:
		return s.syncBalances, true
	case JobCleanup:
		return s.cleanup, true
	}
	return nil, false
}

// Run drives every job on its own ticker until ctx is cancelled. The
// expiration check also runs once at start.
func (s *Scheduler) Run(ctx context.Context) {
	tickers := make(map[Job]*time.Ticker, len(Jobs))
	for _, job := range Jobs {
		tickers[job] = time.NewTicker(s.cfg.Intervals[job])
	}
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	s.runLogged(ctx, JobExpirationCheck)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Credit scheduler stopped")
			return
		case <-tickers[JobExpirationCheck].C:
			s.runLogged(ctx, JobExpirationCheck)
		case <-tickers[JobExpirationNotice].C:
			s.runLogged(ctx, JobExpirationNotice)
		case <-tickers[JobBalanceSync].C:
			s.runLogged(ctx, JobBalanceSync)
		case <-tickers[JobCleanup].C:
			s.runLogged(ctx, JobCleanup)
		}
	}
}

// runLogged drops the error; RunJob already logged it.
func (s *Scheduler) runLogged(ctx context.Context, job Job) {
	_, _ = s.RunJob(ctx, job)
}

// sendExpirationNotices emails each user once about all of their grants that
// expire within the notice window and still hold credit. It returns the
// number of users notified.
func (s *Scheduler) sendExpirationNotices(ctx context.Context) (int, error) {
	if !s.cfg.NotificationsEnabled || s.cfg.NoticeWindow <= 0 {
		return 0, nil
	}
	if s.mailer == nil || s.users == nil {
		return 0, errors.New("expiration notices enabled without a mailer or user directory")
	}

	now := s.service.clock()
	expiring, err := s.repo.FindExpiring(ctx, s.repo.DB(), now, now.Add(s.cfg.NoticeWindow))
	if err != nil {
		return 0, err
	}

	pending := expiring[:0]
	for _, g := range expiring {
		if !noticeSent(g) {
			pending = append(pending, g)
		}
	}
	order, byUser := groupByUser(pending)

	notified := 0
	var errs []error
	for _, userID := range order {
		grants := byUser[userID]

		recipient, err := s.users.Recipient(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrRecipientNotFound) {
				log.Warn().Int64("user_id", userID).Msg("No recipient for credit expiry notice")
				continue
			}
			errs = append(errs, err)
			continue
		}

		subject, body := s.cfg.Notice.Render(s.service.registry, recipient.Name, grants)
		if err := s.mailer.Send(ctx, recipient.Email, subject, body); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("Failed to send credit expiry notice")
			errs = append(errs, err)
			continue
		}

		if err := s.markNoticeSent(ctx, grants, noticeMarker(now)); err != nil {
			errs = append(errs, err)
		}
		notified++
	}

	return notified, errors.Join(errs...)
}

// markNoticeSent merges marker into the current meta of every grant. The rows
// are re-read inside the transaction so meta written while the mail was out
// survives.
func (s *Scheduler) markNoticeSent(ctx context.Context, grants []Grant, marker Meta) error {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.service.clock()
	for _, g := range grants {
		fresh, err := s.repo.GetGrant(ctx, tx, g.ID)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateGrant(ctx, tx, g.ID, GrantUpdate{Meta: fresh.Meta.merge(marker)}, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return nil
}

// syncBalances recomputes the balance of every user with an active grant or a
// non-zero cached balance. It returns the number of users whose cached value
// had drifted.
func (s *Scheduler) syncBalances(ctx context.Context) (int, error) {
	userIDs, err := s.repo.UsersForBalanceSync(ctx, s.repo.DB())
	if err != nil {
		return 0, err
	}

	drifted := 0
	var errs []error
	for _, userID := range userIDs {
		cached, err := s.service.GetBalance(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		actual, err := s.service.RecalculateBalance(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !cached.Equal(actual) {
			drifted++
			log.Warn().
				Int64("user_id", userID).
				Str("cached", cached.String()).
				Str("actual", actual.String()).
				Msg("Credit balance drift corrected")
		}
	}
	return drifted, errors.Join(errs...)
}

// cleanup hard-deletes expired and deleted grants dormant past the retention window.
func (s *Scheduler) cleanup(ctx context.Context) (int, error) {
	cutoff := s.service.clock().Add(-s.cfg.RetentionPeriod)
	n, err := s.repo.DeleteDormant(ctx, s.repo.DB(), cutoff)
	return int(n), err
}
