package domain

// Fax job status constants
const (
	StatusQueued     = "QUEUED"
	StatusEncoding   = "ENCODING"
	StatusSubmitting = "SUBMITTING"
	StatusSubmitted  = "SUBMITTED"
	StatusRetrying   = "RETRYING"
	StatusDelivered  = "DELIVERED"
	StatusFailed     = "FAILED"
	StatusCanceled   = "CANCELED"
)

// Priority constants; priority affects dequeue ordering only, never gateway behavior
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
)

// Defaults applied when a DocumentBundle leaves them unset
const (
	DefaultMaxAttempts          = 3
	DefaultRetryIntervalSeconds = 5

	// MaxDocumentBytes caps the decoded document size (36 MB pre-encoding)
	MaxDocumentBytes = 36 * 1024 * 1024
)

// transitions holds the legal state-machine edges
var transitions = map[string][]string{
	StatusQueued:     {StatusEncoding, StatusCanceled},
	StatusEncoding:   {StatusSubmitting, StatusFailed},
	StatusSubmitting: {StatusSubmitted, StatusRetrying, StatusFailed},
	StatusSubmitted:  {StatusDelivered, StatusFailed},
	StatusRetrying:   {StatusSubmitting, StatusFailed, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal status transition
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is a terminal state
func IsTerminal(status string) bool {
	return status == StatusDelivered || status == StatusFailed || status == StatusCanceled
}

// IsValidStatus reports whether status is a known job status
func IsValidStatus(status string) bool {
	switch status {
	case StatusQueued, StatusEncoding, StatusSubmitting, StatusSubmitted,
		StatusRetrying, StatusDelivered, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsDialableNumber reports whether number consists only of dialable
// characters (digits plus the separators and control tones fax hardware
// accepts) and contains at least one digit.
func IsDialableNumber(number string) bool {
	hasDigit := false
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '+' || r == '-' || r == '(' || r == ')' || r == ' ' || r == '#' || r == '*':
		default:
			return false
		}
	}
	return hasDigit
}

// IsValidPriority reports whether priority is a known priority level
func IsValidPriority(priority string) bool {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
