package credit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/cobra-ai/credits/internal/domain/credit"
)

func TestAddCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.add(t, 1, "100", credit.TypeSubscription, credit.AddOptions{Comment: "monthly plan"})
	g := f.grant(t, id)

	if g.Status != credit.StatusActive || g.Comment != "monthly plan" || g.TypeRef == "" {
		t.Fatalf("unexpected grant %+v", g)
	}
	if g.ExpirationDate == nil || !g.ExpirationDate.Equal(epoch.AddDate(0, 1, 0)) {
		t.Fatalf("expected expiration one month out, got %v", g.ExpirationDate)
	}
	assertDecimal(t, "balance", f.balance(t, 1), "100")

	if f.events.count(credit.EventCreditAdded) != 1 || f.events.count(credit.EventBalanceUpdated) != 1 {
		t.Fatalf("unexpected events %+v", f.events.events)
	}

	tests := []struct {
		name   string
		amount string
		typeID credit.TypeID
		opts   credit.AddOptions
		want   error
	}{
		{"unknown type", "10", "nope", credit.AddOptions{}, credit.ErrInvalidType},
		{"fractional subscription", "7.5", credit.TypeSubscription, credit.AddOptions{}, credit.ErrInvalidAmount},
		{"zero amount", "0", credit.TypePaid, credit.AddOptions{}, credit.ErrInvalidAmount},
		{"expiry before start", "10", credit.TypePaid, credit.AddOptions{
			StartDate:      timePtr(epoch),
			ExpirationDate: timePtr(epoch.Add(-time.Hour)),
		}, credit.ErrInvalidExpiration},
		{"expiry equal to start", "10", credit.TypePaid, credit.AddOptions{
			StartDate:      timePtr(epoch),
			ExpirationDate: timePtr(epoch),
		}, credit.ErrInvalidExpiration},
		{"bad status", "10", credit.TypePaid, credit.AddOptions{Status: statusPtr("frozen")}, credit.ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.AddCredit(ctx, 1, dec(tt.amount), tt.typeID, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	assertDecimal(t, "balance after rejected adds", f.balance(t, 1), "100")
}

func TestAddPendingCreditDoesNotCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.add(t, 1, "20", credit.TypePaid, credit.AddOptions{Status: statusPtr(credit.StatusPending)})
	assertDecimal(t, "balance", f.balance(t, 1), "0")

	if err := f.service.UpdateCreditStatus(ctx, id, credit.StatusActive, credit.StatusOptions{}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	assertDecimal(t, "balance after activation", f.balance(t, 1), "20")
}

func TestConsumeOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	second := f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})

	res, err := f.service.ConsumeCredits(ctx, 1, dec("12"), credit.ConsumeOptions{})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Consumptions) != 2 {
		t.Fatalf("expected two draws, got %+v", res.Consumptions)
	}
	if res.Consumptions[0].GrantID != first || !res.Consumptions[0].Amount.Equal(dec("10")) {
		t.Fatalf("unexpected first draw %+v", res.Consumptions[0])
	}
	if res.Consumptions[1].GrantID != second || !res.Consumptions[1].Amount.Equal(dec("2")) {
		t.Fatalf("unexpected second draw %+v", res.Consumptions[1])
	}
	assertDecimal(t, "result balance", res.Balance, "3")
	assertDecimal(t, "cached balance", f.balance(t, 1), "3")
	assertDecimal(t, "first consumed", f.grant(t, first).Consumed, "10")
	assertDecimal(t, "second consumed", f.grant(t, second).Consumed, "2")
}

func TestConsumeNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	second := f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})

	res, err := f.service.ConsumeCredits(ctx, 1, dec("12"), credit.ConsumeOptions{Order: credit.NewestFirst})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Consumptions[0].GrantID != second || !res.Consumptions[0].Amount.Equal(dec("5")) {
		t.Fatalf("unexpected first draw %+v", res.Consumptions[0])
	}
	if res.Consumptions[1].GrantID != first || !res.Consumptions[1].Amount.Equal(dec("7")) {
		t.Fatalf("unexpected second draw %+v", res.Consumptions[1])
	}
	assertDecimal(t, "first remaining", f.grant(t, first).Remaining(), "3")
}

func TestConsumeIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	second := f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})
	f.events.reset()

	_, err := f.service.ConsumeCredits(ctx, 1, dec("20"), credit.ConsumeOptions{})
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	assertDecimal(t, "first consumed", f.grant(t, first).Consumed, "0")
	assertDecimal(t, "second consumed", f.grant(t, second).Consumed, "0")
	assertDecimal(t, "balance", f.balance(t, 1), "15")
	if len(f.events.events) != 0 {
		t.Fatalf("failed consumption published events: %+v", f.events.events)
	}
}

func TestConsumeEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 1, "100", credit.TypePaid, credit.AddOptions{})

	if _, err := f.service.ConsumeCredits(ctx, 1, dec("30"), credit.ConsumeOptions{}); err != nil {
		t.Fatalf("consume 30: %v", err)
	}
	assertDecimal(t, "balance", f.balance(t, 1), "70")

	if _, err := f.service.ConsumeCredits(ctx, 1, dec("70"), credit.ConsumeOptions{}); err != nil {
		t.Fatalf("consume 70: %v", err)
	}
	assertDecimal(t, "balance", f.balance(t, 1), "0")

	if _, err := f.service.ConsumeCredits(ctx, 1, dec("1"), credit.ConsumeOptions{}); !errors.Is(err, credit.ErrNoCreditsAvailable) {
		t.Fatalf("expected ErrNoCreditsAvailable, got %v", err)
	}
	if _, err := f.service.ConsumeCredits(ctx, 1, dec("-1"), credit.ConsumeOptions{}); !errors.Is(err, credit.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestConsumeByTypeAndDecimals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.add(t, 1, "10", credit.TypeSubscription, credit.AddOptions{})
	paid := f.add(t, 1, "0.30", credit.TypePaid, credit.AddOptions{})

	for i := 0; i < 3; i++ {
		if _, err := f.service.ConsumeCredits(ctx, 1, dec("0.1"), credit.ConsumeOptions{CreditType: typePtr(credit.TypePaid)}); err != nil {
			t.Fatalf("consume 0.1 #%d: %v", i+1, err)
		}
	}

	g := f.grant(t, paid)
	if !g.Remaining().IsZero() {
		t.Fatalf("expected paid grant exhausted exactly, remaining %s", g.Remaining())
	}
	assertDecimal(t, "balance", f.balance(t, 1), "10")

	if _, err := f.service.ConsumeCredits(ctx, 1, dec("1"), credit.ConsumeOptions{CreditType: typePtr("nope")}); !errors.Is(err, credit.ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestConsumeValidators(t *testing.T) {
	ctx := context.Background()

	var skip int64
	f := newFixture(t, credit.WithConsumeValidator(func(_ context.Context, g credit.Grant, _ decimal.Decimal) bool {
		return g.ID != skip
	}))

	first := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	second := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	skip = first

	res, err := f.service.ConsumeCredits(ctx, 1, dec("4"), credit.ConsumeOptions{
		Meta: credit.Meta{"job": "render-42"},
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Consumptions) != 1 || res.Consumptions[0].GrantID != second {
		t.Fatalf("expected draw from second grant only, got %+v", res.Consumptions)
	}
	if f.grant(t, second).Meta["job"] != "render-42" {
		t.Fatal("consumption meta not merged into grant")
	}

	// per-call validator vetoes the only remaining grant
	_, err = f.service.ConsumeCredits(ctx, 1, dec("1"), credit.ConsumeOptions{
		Validator: func(_ context.Context, g credit.Grant, _ decimal.Decimal) bool { return g.ID != second },
	})
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestTransferCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.add(t, 1, "10", credit.TypeSubscription, credit.AddOptions{})
	paid := f.add(t, 1, "20", credit.TypePaid, credit.AddOptions{})
	f.events.reset()

	res, err := f.service.TransferCredits(ctx, 1, 2, dec("15"), credit.TransferOptions{Comment: "thanks"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(res.Consumptions) != 1 || res.Consumptions[0].GrantID != paid {
		t.Fatalf("transfer drew from non-transferable grants: %+v", res.Consumptions)
	}

	received := f.grant(t, res.ReceivedGrant)
	if received.UserID != 2 || received.CreditType != credit.TypeTransfer || received.Comment != "thanks" {
		t.Fatalf("unexpected received grant %+v", received)
	}
	if received.Meta["transfer_id"] != res.TransferID || received.Meta["transfer_from"] != float64(1) {
		t.Fatalf("unexpected received meta %+v", received.Meta)
	}
	if f.grant(t, paid).Meta["transfer_to"] != float64(2) {
		t.Fatal("source grant missing transfer_to meta")
	}

	assertDecimal(t, "sender balance", f.balance(t, 1), "15")
	assertDecimal(t, "recipient balance", f.balance(t, 2), "15")
	if f.events.count(credit.EventCreditsTransferred) != 1 {
		t.Fatal("expected one credits_transferred event")
	}

	if _, err := f.service.TransferCredits(ctx, 1, 2, dec("6"), credit.TransferOptions{}); !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for non-transferable remainder, got %v", err)
	}
	if _, err := f.service.TransferCredits(ctx, 1, 1, dec("1"), credit.TransferOptions{}); !errors.Is(err, credit.ErrSameUser) {
		t.Fatalf("expected ErrSameUser, got %v", err)
	}
	sub := credit.TypeSubscription
	if _, err := f.service.TransferCredits(ctx, 1, 2, dec("1"), credit.TransferOptions{SourceType: &sub}); !errors.Is(err, credit.ErrNotTransferable) {
		t.Fatalf("expected ErrNotTransferable, got %v", err)
	}
}

func TestTransferRollsBackWhenRecipientSideFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	paid := f.add(t, 1, "50", credit.TypePaid, credit.AddOptions{})

	_, err := f.repo.DB().ExecContext(ctx, `
		CREATE TRIGGER block_user_99 BEFORE INSERT ON credits
		WHEN NEW.user_id = 99
		BEGIN
			SELECT RAISE(ABORT, 'forced failure');
		END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = f.service.TransferCredits(ctx, 1, 99, dec("20"), credit.TransferOptions{})
	if !errors.Is(err, credit.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	assertDecimal(t, "sender consumed", f.grant(t, paid).Consumed, "0")
	assertDecimal(t, "sender balance", f.balance(t, 1), "50")
	assertDecimal(t, "recipient balance", f.balance(t, 99), "0")
}

func TestUpdateCreditStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	f.events.reset()

	// same status is a no-op
	if err := f.service.UpdateCreditStatus(ctx, id, credit.StatusActive, credit.StatusOptions{}); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if len(f.events.events) != 0 {
		t.Fatal("no-op update published events")
	}

	comment := "fraud review"
	err := f.service.UpdateCreditStatus(ctx, id, credit.StatusPending, credit.StatusOptions{
		Comment: &comment,
		Meta:    credit.Meta{"ticket": "T-1"},
	})
	if err != nil {
		t.Fatalf("active -> pending: %v", err)
	}
	g := f.grant(t, id)
	if g.Status != credit.StatusPending || g.Comment != comment || g.Meta["ticket"] != "T-1" {
		t.Fatalf("unexpected grant %+v", g)
	}
	assertDecimal(t, "balance while pending", f.balance(t, 1), "0")

	if err := f.service.UpdateCreditStatus(ctx, id, credit.StatusExpired, credit.StatusOptions{}); !errors.Is(err, credit.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := f.service.UpdateCreditStatus(ctx, id, credit.StatusDeleted, credit.StatusOptions{}); err != nil {
		t.Fatalf("pending -> deleted: %v", err)
	}
	if err := f.service.UpdateCreditStatus(ctx, id, credit.StatusActive, credit.StatusOptions{}); !errors.Is(err, credit.ErrInvalidTransition) {
		t.Fatalf("deleted grants must not reactivate, got %v", err)
	}
	if err := f.service.UpdateCreditStatus(ctx, id+100, credit.StatusDeleted, credit.StatusOptions{}); !errors.Is(err, credit.ErrCreditNotFound) {
		t.Fatalf("expected ErrCreditNotFound, got %v", err)
	}
	if err := f.service.UpdateCreditStatus(ctx, id, "frozen", credit.StatusOptions{}); !errors.Is(err, credit.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	if f.events.count(credit.EventCreditStatusUpdated) != 2 {
		t.Fatalf("expected two status events, got %d", f.events.count(credit.EventCreditStatusUpdated))
	}
}

func TestStatusValidatorVeto(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, credit.WithStatusValidator(func(_ context.Context, g credit.Grant, to credit.Status) error {
		if to == credit.StatusDeleted && g.CreditType == credit.TypePaid {
			return fmt.Errorf("paid grant %d needs a refund first", g.ID)
		}
		return nil
	}))

	paid := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	free := f.add(t, 1, "10", credit.TypeFree, credit.AddOptions{})

	if err := f.service.UpdateCreditStatus(ctx, paid, credit.StatusDeleted, credit.StatusOptions{}); !errors.Is(err, credit.ErrTransitionVetoed) {
		t.Fatalf("expected ErrTransitionVetoed, got %v", err)
	}
	if f.grant(t, paid).Status != credit.StatusActive {
		t.Fatal("vetoed grant changed status")
	}
	if err := f.service.UpdateCreditStatus(ctx, free, credit.StatusDeleted, credit.StatusOptions{}); err != nil {
		t.Fatalf("delete free grant: %v", err)
	}
	assertDecimal(t, "balance", f.balance(t, 1), "10")
}

func TestProcessExpiredCreditsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	short := f.add(t, 1, "10", credit.TypeFree, credit.AddOptions{ExpirationDate: timePtr(epoch.Add(time.Hour))})
	f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})
	f.events.reset()

	n, err := f.service.ProcessExpiredCredits(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: n=%d err=%v", n, err)
	}

	f.clock.Advance(2 * time.Hour)

	n, err = f.service.ProcessExpiredCredits(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if f.grant(t, short).Status != credit.StatusExpired {
		t.Fatal("grant not marked expired")
	}
	assertDecimal(t, "balance", f.balance(t, 1), "5")

	n, err = f.service.ProcessExpiredCredits(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if f.events.count(credit.EventCreditExpired) != 1 {
		t.Fatalf("expected one credit_expired event, got %d", f.events.count(credit.EventCreditExpired))
	}
}

func TestExpiredButUnsweptCreditIsNotConsumable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.add(t, 1, "10", credit.TypeFree, credit.AddOptions{ExpirationDate: timePtr(epoch.Add(time.Minute))})
	f.clock.Advance(time.Minute)

	available, err := f.service.AvailableCredits(ctx, 1, nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available.IsZero() {
		t.Fatalf("expected nothing available, got %s", available)
	}
	if _, err := f.service.ConsumeCredits(ctx, 1, dec("1"), credit.ConsumeOptions{}); !errors.Is(err, credit.ErrNoCreditsAvailable) {
		t.Fatalf("expected ErrNoCreditsAvailable, got %v", err)
	}
}

func TestBalanceMatchesGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.add(t, 1, "10", credit.TypeSubscription, credit.AddOptions{})
	f.add(t, 1, "2.50", credit.TypePaid, credit.AddOptions{})
	f.add(t, 1, "3", credit.TypeBonus, credit.AddOptions{})
	del := f.add(t, 1, "4", credit.TypeGift, credit.AddOptions{})

	steps := []func() error{
		func() error { _, err := f.service.ConsumeCredits(ctx, 1, dec("1.25"), credit.ConsumeOptions{}); return err },
		func() error { return f.service.UpdateCreditStatus(ctx, del, credit.StatusDeleted, credit.StatusOptions{}) },
		func() error { _, err := f.service.TransferCredits(ctx, 1, 2, dec("1"), credit.TransferOptions{}); return err },
		func() error {
			_, err := f.service.ConsumeCredits(ctx, 1, dec("2"), credit.ConsumeOptions{Order: credit.NewestFirst})
			return err
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
		cached := f.balance(t, 1)
		live, err := f.service.AvailableCredits(ctx, 1, nil)
		if err != nil {
			t.Fatalf("available: %v", err)
		}
		if !cached.Equal(live) {
			t.Fatalf("step %d: cached balance %s != live %s", i+1, cached, live)
		}
	}
	assertDecimal(t, "final balance", f.balance(t, 1), "11.25")
}

func TestDeleteUserCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})
	f.add(t, 1, "5", credit.TypeFree, credit.AddOptions{Status: statusPtr(credit.StatusPending)})
	other := f.add(t, 2, "7", credit.TypePaid, credit.AddOptions{})

	n, err := f.service.DeleteUserCredits(ctx, 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 grants deleted, got %d", n)
	}
	assertDecimal(t, "balance", f.balance(t, 1), "0")
	if f.grant(t, other).Status != credit.StatusActive {
		t.Fatal("other user's grant touched")
	}

	grants, err := f.service.ListCredits(ctx, 1, credit.ListFilter{Status: statusPtr(credit.StatusDeleted)})
	if err != nil || len(grants) != 2 {
		t.Fatalf("expected 2 deleted grants listed, got %d (%v)", len(grants), err)
	}
}

func TestRecalculateBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 4, "8", credit.TypePaid, credit.AddOptions{})

	if _, err := f.repo.DB().ExecContext(ctx, `UPDATE user_credit_balances SET balance = 999 WHERE user_id = 4`); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}
	assertDecimal(t, "corrupted balance", f.balance(t, 4), "999")

	b, err := f.service.RecalculateBalance(ctx, 4)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	assertDecimal(t, "recalculated", b, "8")
	assertDecimal(t, "cached", f.balance(t, 4), "8")
}

// racingStore moves a grant's consumed column behind the service's back right
// before the compare-and-swap, for the first interfere calls.
type racingStore struct {
	*credit.CreditRepository
	interfere int
	calls     int
}

func (s *racingStore) ConsumeFromGrant(ctx context.Context, q sqlx.ExtContext, id int64, expected, next decimal.Decimal, meta credit.Meta, now time.Time) error {
	s.calls++
	if s.interfere > 0 {
		s.interfere--
		if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE credits SET consumed = ? WHERE id = ?`), expected.Add(dec("0.5")), id); err != nil {
			return err
		}
	}
	return s.CreditRepository.ConsumeFromGrant(ctx, q, id, expected, next, meta, now)
}

func TestConsumeRetriesConcurrentUpdates(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		interfere int
		wantErr   error
		consumed  string
		balance   string
	}{
		{name: "succeeds on last attempt", interfere: 2, consumed: "4", balance: "6"},
		{name: "gives up after three attempts", interfere: 3, wantErr: credit.ErrConcurrentUpdate, consumed: "0", balance: "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.add(t, 1, "10", credit.TypePaid, credit.AddOptions{})

			store := &racingStore{CreditRepository: f.repo, interfere: tt.interfere}
			svc := credit.NewService(store, f.registry, credit.WithClock(f.clock.Now))

			_, err := svc.ConsumeCredits(ctx, 1, dec("4"), credit.ConsumeOptions{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if store.calls != 3 {
				t.Fatalf("expected 3 attempts, got %d", store.calls)
			}
			assertDecimal(t, "consumed", f.grant(t, id).Consumed, tt.consumed)
			assertDecimal(t, "balance", f.balance(t, 1), tt.balance)
		})
	}
}
