package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Service is the credit ledger engine: it grants credits when purchases
// complete, deducts them when work is consumed, and guarantees at-most-once
// effect per source id. One instance is constructed at process start and
// passed into every handler.
type Service struct {
	store       Store
	packs       *PackTable
	thresholds  ThresholdList
	resolver    UserResolver
	notifier    Notifier
	nowFn       func() time.Time
	renewalDays int
	logger      OperationLogger
}

// NewService wires a Service over a Store and a pack table.
func NewService(store Store, packs *PackTable, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if packs == nil {
		return nil, fmt.Errorf("%w: pack table dependency is nil", ErrInvalidServiceConfig)
	}
	defaultThresholds, err := NewThresholdList(DefaultThresholdValues)
	if err != nil {
		return nil, err
	}
	service := &Service{
		store:       store,
		packs:       packs,
		thresholds:  defaultThresholds,
		nowFn:       func() time.Time { return time.Now().UTC() },
		renewalDays: defaultRenewalDays,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.resolver == nil {
		resolver, ok := store.(UserResolver)
		if !ok {
			return nil, fmt.Errorf("%w: store does not resolve users and no resolver was injected", ErrInvalidServiceConfig)
		}
		service.resolver = resolver
	}
	if service.renewalDays <= 0 {
		return nil, fmt.Errorf("%w: renewal window must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Grant applies a purchase-completion event exactly once and returns the
// credit total it maps to. Redelivered events (same SourceID) echo the total
// without a second mutation; events mapping to zero credits are a logged
// no-op, not an error.
func (service *Service) Grant(ctx context.Context, event PurchaseEvent) (int64, error) {
	sourceID, err := validateSourceID(event.SourceID)
	if err != nil {
		return 0, err
	}
	payerEmail, err := validateEmail(event.PayerEmail)
	if err != nil {
		return 0, err
	}

	creditTotal, rule, ruleFound := service.packs.creditsForItems(event.LineItems)
	if creditTotal <= 0 {
		service.logOperation(ctx, OperationLog{
			Operation: operationGrant,
			SourceID:  sourceID,
			Status:    operationStatusNoop,
		})
		return 0, nil
	}

	userID, err := service.resolver.ResolveUser(ctx, payerEmail)
	if err != nil {
		return 0, err
	}

	metadata := grantMetadata(payerEmail, rule, ruleFound)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		_, err = txStore.AppendEntry(ctx, EntryInput{
			UserID:    userID,
			Delta:     creditTotal,
			Reason:    ReasonPurchase,
			SourceID:  sourceID,
			Metadata:  metadata,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		balance.Balance += creditTotal
		if ruleFound {
			// Last-purchased pack's policy wins over any earlier pack.
			expiresAt := rule.ExpiryFrom(now)
			balance.ExpiresAt = &expiresAt
			balance.LastPack = rule.PackKey
			balance.AutoExtend = rule.AutoExtend
		}
		return txStore.SaveBalance(ctx, balance)
	})
	if errors.Is(operationError, ErrDuplicateSourceID) {
		// Redelivered purchase: the first application already committed.
		service.logOperation(ctx, OperationLog{
			Operation: operationGrant,
			UserID:    userID,
			Amount:    creditTotal,
			SourceID:  sourceID,
			Status:    operationStatusNoop,
		})
		return creditTotal, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Amount:    creditTotal,
		SourceID:  sourceID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return creditTotal, nil
}

// Deduct consumes credits for one unit of work inside a single transaction:
// per-user row lock, insufficient-balance rejection, idempotent replay, and
// highest-crossed-threshold alerting. The notifier is called only after the
// transaction committed.
func (service *Service) Deduct(ctx context.Context, request DeductRequest) (DeductResult, error) {
	userID, err := validateUserID(request.UserID)
	if err != nil {
		return DeductResult{}, err
	}
	if request.Amount <= 0 {
		return DeductResult{}, WrapError(errorOperationValidate, errorSubjectEntry, "amount", ErrInvalidAmount)
	}
	reason := request.Reason
	if reason == "" {
		reason = ReasonConsumption
	}

	var result DeductResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if request.SourceID != "" {
			// Replay check runs under the row lock and before the funds check:
			// a retry of an applied deduction must succeed even when that
			// deduction drained the balance below the requested amount.
			existing, err := txStore.EntryBySource(ctx, userID, request.SourceID)
			if err == nil {
				result = DeductResult{Balance: balance, Entry: existing}
				return nil
			}
			if !errors.Is(err, ErrUnknownEntry) {
				return err
			}
		}
		before := balance.Balance
		if before < request.Amount {
			return ErrInsufficientCredits
		}
		now := service.nowFn()
		entry, err := txStore.AppendEntry(ctx, EntryInput{
			UserID:    userID,
			Delta:     -request.Amount,
			Reason:    reason,
			SourceID:  request.SourceID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		after := before - request.Amount
		balance.Balance = after
		if balance.AutoExtend {
			extended := now.AddDate(0, 0, service.renewalDays)
			if balance.ExpiresAt == nil || extended.After(*balance.ExpiresAt) {
				balance.ExpiresAt = &extended
			}
		}
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		result = DeductResult{Balance: balance, Entry: entry}
		threshold, crossed := service.thresholds.Crossed(before, after)
		if !crossed {
			return nil
		}
		alerted, err := txStore.HasAlert(ctx, userID, threshold)
		if err != nil {
			return err
		}
		if alerted {
			return nil
		}
		if err := txStore.RecordAlert(ctx, userID, threshold, now); err != nil {
			return err
		}
		result.ThresholdCrossed = &threshold
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Amount:    request.Amount,
		SourceID:  request.SourceID,
		Threshold: result.ThresholdCrossed,
		Error:     operationError,
	})
	if operationError != nil {
		return DeductResult{}, operationError
	}
	if result.ThresholdCrossed != nil && service.notifier != nil {
		// Fire-and-forget after commit; a delivery failure never unwinds the
		// deduction and the dedup record keeps redelivery harmless.
		if notifyErr := service.notifier.NotifyLowBalance(ctx, userID, *result.ThresholdCrossed, result.Balance.Balance); notifyErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationNotify,
				UserID:    userID,
				Threshold: result.ThresholdCrossed,
				Error:     notifyErr,
			})
		}
	}
	return result, nil
}

// Balance returns the current balance row for a user. Users with no ledger
// history read as a zero balance; no row is created.
func (service *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	normalized, err := validateUserID(userID)
	if err != nil {
		return Balance{}, err
	}
	return service.store.GetBalance(ctx, normalized)
}

// Transactions lists a user's ledger entries, newest first.
func (service *Service) Transactions(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	normalized, err := validateUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListEntries(ctx, normalized, limit)
}

// SweepExpired zeroes every balance whose expiry passed and returns the
// number of accounts touched. No compensating ledger entry is written, so
// summing a swept user's ledger overstates their balance until they buy again.
func (service *Service) SweepExpired(ctx context.Context) (int64, error) {
	affected, operationError := service.store.ExpireBalances(ctx, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    affected,
		Error:     operationError,
	})
	return affected, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func grantMetadata(payerEmail string, rule PackRule, ruleFound bool) string {
	payload := map[string]string{"payer_email": payerEmail}
	if ruleFound {
		payload["pack_key"] = rule.PackKey
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
