package core

// Outcome is the tri-state result of one sync invocation, as seen by a scheduler.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryLater
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryLater:
		return "retry_later"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// ExitCode maps the outcome onto a process exit status (sysexits EX_TEMPFAIL for retry).
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomeRetryLater:
		return 75
	default:
		return 1
	}
}
