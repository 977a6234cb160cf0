package credits

import (
	"context"
	"errors"
	"testing"
)

func seedBalance(test *testing.T, service *Service, email string, priceID string) string {
	test.Helper()
	_, err := service.Grant(context.Background(), PurchaseEvent{
		SourceID:   "pay_seed_" + priceID,
		PayerEmail: email,
		LineItems:  []LineItem{{PriceID: priceID, Quantity: 1}},
	})
	if err != nil {
		test.Fatalf("seed grant: %v", err)
	}
	userID, err := service.resolver.ResolveUser(context.Background(), email)
	if err != nil {
		test.Fatalf("resolve user: %v", err)
	}
	return userID
}

func topUp(test *testing.T, service *Service, email string, sourceID string, credits string) {
	test.Helper()
	_, err := service.Grant(context.Background(), PurchaseEvent{
		SourceID:   sourceID,
		PayerEmail: email,
		LineItems: []LineItem{{
			PriceID:  "price_custom",
			Quantity: 1,
			Metadata: map[string]string{MetadataKeyUnitCredits: credits},
		}},
	})
	if err != nil {
		test.Fatalf("top-up grant: %v", err)
	}
}

func TestDeductAppendsNegativeEntryAndDecrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, WithClock(fixedClock(testNow)))
	userID := seedBalance(test, service, "agent@example.com", "price_bulk25")

	result, err := service.Deduct(context.Background(), DeductRequest{
		UserID:   userID,
		Amount:   1,
		SourceID: "job_1",
	})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if result.Balance.Balance != 24 {
		test.Fatalf("expected balance 24, got %d", result.Balance.Balance)
	}
	if result.Entry.Delta != -1 || result.Entry.Reason != ReasonConsumption {
		test.Fatalf("unexpected entry: %+v", result.Entry)
	}
	if result.ThresholdCrossed != nil {
		test.Fatalf("no threshold should fire at balance 24, got %d", *result.ThresholdCrossed)
	}
	if got := store.ledgerSum(userID); got != 24 {
		test.Fatalf("ledger sum %d diverged from balance", got)
	}
}

func TestDeductInsufficientCreditsLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := seedBalance(test, service, "agent@example.com", "price_starter3")

	_, err := service.Deduct(context.Background(), DeductRequest{
		UserID:   userID,
		Amount:   20,
		SourceID: "job_big",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	balance, _ := service.Balance(context.Background(), userID)
	if balance.Balance != 3 {
		test.Fatalf("rejected deduction must not change balance, got %d", balance.Balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("rejected deduction must not append entries, got %d", len(store.entries))
	}
}

func TestDeductIsIdempotentAcrossRetries(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := seedBalance(test, service, "agent@example.com", "price_bulk25")
	request := DeductRequest{UserID: userID, Amount: 2, SourceID: "job_retry"}

	first, err := service.Deduct(context.Background(), request)
	if err != nil {
		test.Fatalf("first deduct: %v", err)
	}
	second, err := service.Deduct(context.Background(), request)
	if err != nil {
		test.Fatalf("retried deduct: %v", err)
	}
	if first.Balance.Balance != 23 || second.Balance.Balance != 23 {
		test.Fatalf("expected both calls to report balance 23, got %d and %d", first.Balance.Balance, second.Balance.Balance)
	}
	if first.Entry.EntryID != second.Entry.EntryID {
		test.Fatalf("retry must return the committed entry, got %q and %q", first.Entry.EntryID, second.Entry.EntryID)
	}
	if got := store.ledgerSum(userID); got != 23 {
		test.Fatalf("expected a single decrement in the ledger, sum %d", got)
	}
}

func TestDeductRetrySucceedsAfterDrainingTheBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	topUp(test, service, "agent@example.com", "pay_1", "2")
	userID, err := service.resolver.ResolveUser(context.Background(), "agent@example.com")
	if err != nil {
		test.Fatalf("resolve user: %v", err)
	}
	request := DeductRequest{UserID: userID, Amount: 2, SourceID: "job_drain"}

	first, err := service.Deduct(context.Background(), request)
	if err != nil || first.Balance.Balance != 0 {
		test.Fatalf("drain: balance=%d err=%v", first.Balance.Balance, err)
	}
	// The retry arrives with the balance already at zero; it must still
	// report the committed deduction instead of rejecting for funds.
	second, err := service.Deduct(context.Background(), request)
	if err != nil {
		test.Fatalf("retry after drain: %v", err)
	}
	if second.Balance.Balance != 0 || second.Entry.EntryID != first.Entry.EntryID {
		test.Fatalf("retry must echo the committed state, got %+v", second)
	}
}

func TestDeductAutoExtendPushesExpiryForward(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, WithClock(fixedClock(testNow)), WithRenewalDays(30))
	userID := seedBalance(test, service, "agent@example.com", "price_bulk25")

	// bulk25 expiry is a year out, so one consumption must not shrink it.
	result, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 1, SourceID: "job_1"})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	packExpiry := testNow.AddDate(0, 12, 14)
	if result.Balance.ExpiresAt == nil || !result.Balance.ExpiresAt.Equal(packExpiry) {
		test.Fatalf("expected expiry to stay %v, got %v", packExpiry, result.Balance.ExpiresAt)
	}

	// Once the pack expiry is closer than the renewal window, use extends the
	// expiry to now plus the window.
	lateClock := packExpiry.AddDate(0, 0, -3)
	lateService := mustNewService(test, store, WithClock(fixedClock(lateClock)), WithRenewalDays(30))
	result, err = lateService.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 1, SourceID: "job_2"})
	if err != nil {
		test.Fatalf("late deduct: %v", err)
	}
	wantExtended := lateClock.AddDate(0, 0, 30)
	if result.Balance.ExpiresAt == nil || !result.Balance.ExpiresAt.Equal(wantExtended) {
		test.Fatalf("expected extended expiry %v, got %v", wantExtended, result.Balance.ExpiresAt)
	}
}

func TestDeductWithoutAutoExtendLeavesExpiryUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, WithClock(fixedClock(testNow)))
	userID := seedBalance(test, service, "agent@example.com", "price_starter3")

	result, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 1, SourceID: "job_1"})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	wantExpiry := testNow.AddDate(0, 2, 0)
	if result.Balance.ExpiresAt == nil || !result.Balance.ExpiresAt.Equal(wantExpiry) {
		test.Fatalf("expected expiry %v, got %v", wantExpiry, result.Balance.ExpiresAt)
	}
}

func TestDeductFiresOnlyHighestCrossedThresholdOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	notifier := &recordingNotifier{}
	service := mustNewService(test, store, WithNotifier(notifier))
	topUp(test, service, "agent@example.com", "pay_12", "12")
	userID, err := service.resolver.ResolveUser(context.Background(), "agent@example.com")
	if err != nil {
		test.Fatalf("resolve user: %v", err)
	}

	// 12 -> 4 passes both 10 and 5; only the highest may fire.
	request := DeductRequest{UserID: userID, Amount: 8, SourceID: "job_cross"}
	result, err := service.Deduct(context.Background(), request)
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if result.ThresholdCrossed == nil || *result.ThresholdCrossed != 10 {
		test.Fatalf("expected threshold 10, got %v", result.ThresholdCrossed)
	}
	alerts := notifier.alerts()
	if len(alerts) != 1 || alerts[0].threshold != 10 || alerts[0].balance != 4 {
		test.Fatalf("expected one alert at threshold 10, got %+v", alerts)
	}

	// Retrying the identical deduction never re-fires.
	replay, err := service.Deduct(context.Background(), request)
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if replay.ThresholdCrossed != nil {
		test.Fatalf("replay must not report a threshold, got %d", *replay.ThresholdCrossed)
	}
	if len(notifier.alerts()) != 1 {
		test.Fatalf("replay must not send a second alert, got %d", len(notifier.alerts()))
	}
}

func TestDeductNeverReAlertsAtTheSameThreshold(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	notifier := &recordingNotifier{}
	service := mustNewService(test, store, WithNotifier(notifier))
	topUp(test, service, "agent@example.com", "pay_1", "6")
	userID, err := service.resolver.ResolveUser(context.Background(), "agent@example.com")
	if err != nil {
		test.Fatalf("resolve user: %v", err)
	}

	first, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 2, SourceID: "job_1"})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if first.ThresholdCrossed == nil || *first.ThresholdCrossed != 5 {
		test.Fatalf("expected threshold 5, got %v", first.ThresholdCrossed)
	}

	// Balance recovers above 5 and drops through it again: the dedup record
	// keeps the alert silent the second time.
	topUp(test, service, "agent@example.com", "pay_2", "3")
	second, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 3, SourceID: "job_2"})
	if err != nil {
		test.Fatalf("second deduct: %v", err)
	}
	if second.Balance.Balance != 4 {
		test.Fatalf("expected balance 4, got %d", second.Balance.Balance)
	}
	if second.ThresholdCrossed != nil {
		test.Fatalf("threshold 5 must not re-fire, got %d", *second.ThresholdCrossed)
	}
	if len(notifier.alerts()) != 1 {
		test.Fatalf("expected exactly one alert overall, got %d", len(notifier.alerts()))
	}
}

func TestDeductNotifierFailureDoesNotUnwindDeduction(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	service := mustNewService(test, store, WithNotifier(notifier))
	userID := seedBalance(test, service, "agent@example.com", "price_bulk10")

	result, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 5, SourceID: "job_1"})
	if err != nil {
		test.Fatalf("deduct must succeed despite notifier failure: %v", err)
	}
	if result.Balance.Balance != 5 {
		test.Fatalf("expected balance 5, got %d", result.Balance.Balance)
	}
	if result.ThresholdCrossed == nil || *result.ThresholdCrossed != 5 {
		test.Fatalf("expected threshold 5, got %v", result.ThresholdCrossed)
	}
}

func TestDeductValidatesInput(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	_, err := service.Deduct(context.Background(), DeductRequest{UserID: " ", Amount: 1})
	if !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	_, err = service.Deduct(context.Background(), DeductRequest{UserID: "user-1", Amount: 0})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeductRollsBackEverythingOnAlertStoreFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := seedBalance(test, service, "agent@example.com", "price_bulk10")
	store.alertError = errors.New("alert store down")

	_, err := service.Deduct(context.Background(), DeductRequest{UserID: userID, Amount: 5, SourceID: "job_1"})
	if err == nil {
		test.Fatal("expected alert store failure to propagate")
	}
	balance, _ := service.Balance(context.Background(), userID)
	if balance.Balance != 10 {
		test.Fatalf("rolled-back deduction must restore balance 10, got %d", balance.Balance)
	}
	if got := store.ledgerSum(userID); got != 10 {
		test.Fatalf("rolled-back deduction must restore the ledger, sum %d", got)
	}
}
