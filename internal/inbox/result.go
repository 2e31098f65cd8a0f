package inbox

// ResultStatus is the verdict a handler returns for a message or batch.
type ResultStatus int

const (
	// StatusSuccess - the message was processed and can be deleted
	StatusSuccess ResultStatus = 0

	// StatusRetry - processing should be retried without counting an attempt
	// (transient condition, e.g. a downstream outage)
	StatusRetry ResultStatus = 1

	// StatusFailed - processing failed; counts against MaxAttempts
	StatusFailed ResultStatus = 2

	// StatusMoveToDeadLetter - stop processing and move to the dead-letter
	// store immediately
	StatusMoveToDeadLetter ResultStatus = 3
)

// String returns a human-readable status name
func (s ResultStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusRetry:
		return "RETRY"
	case StatusFailed:
		return "FAILED"
	case StatusMoveToDeadLetter:
		return "MOVE_TO_DEAD_LETTER"
	default:
		return "UNKNOWN"
	}
}

// Result is a handler verdict, optionally carrying a dead-letter reason.
type Result struct {
	Status ResultStatus
	Reason string
}

// Success reports that the message was fully processed.
func Success() Result {
	return Result{Status: StatusSuccess}
}

// Retry asks for redelivery without incrementing the attempt count.
func Retry() Result {
	return Result{Status: StatusRetry}
}

// Failed reports a failed attempt. After MaxAttempts failures the message is
// dead-lettered.
func Failed() Result {
	return Result{Status: StatusFailed}
}

// MoveToDeadLetter abandons the message immediately with the given reason.
func MoveToDeadLetter(reason string) Result {
	return Result{Status: StatusMoveToDeadLetter, Reason: reason}
}
