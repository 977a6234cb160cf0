package credits

const (
	operationGrant  = "grant"
	operationDeduct = "deduct"
	operationSweep  = "sweep_expired"
	operationNotify = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"

	errorOperationValidate = "validate"
	errorSubjectUser       = "user"
	errorSubjectEntry      = "entry"
	errorCodeEmpty         = "empty"
	errorCodeEmail         = "email"

	defaultListLimit = 50
	maxListLimit     = 200

	defaultRenewalDays = 30
)

// DefaultThresholdValues is the descending low-balance trip-wire list used
// when no thresholds are configured.
var DefaultThresholdValues = []int64{10, 5, 0}
