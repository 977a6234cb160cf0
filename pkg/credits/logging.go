package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation string
	UserID    string
	Amount    int64
	SourceID  string
	Threshold *int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithUserResolver overrides the payer-email resolver (defaults to the store
// when it implements UserResolver).
func WithUserResolver(resolver UserResolver) ServiceOption {
	return func(service *Service) {
		service.resolver = resolver
	}
}

// WithNotifier wires the low-balance alert sink.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithClock overrides the time source (tests pin it).
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		service.nowFn = now
	}
}

// WithThresholds replaces the default low-balance threshold list.
func WithThresholds(thresholds ThresholdList) ServiceOption {
	return func(service *Service) {
		service.thresholds = thresholds
	}
}

// WithRenewalDays sets the auto-extend renewal window applied on consumption.
func WithRenewalDays(days int) ServiceOption {
	return func(service *Service) {
		service.renewalDays = days
	}
}
