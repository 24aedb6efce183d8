package domain

// Status is the lifecycle state of an Intent.
//
//	NEW -> CONFIRMED | REJECTED | CANCELED
//	CONFIRMED -> REFUNDED
//	REFUNDED -> REFUNDED (further partial refunds)
type Status string

const (
	StatusNew       Status = "NEW"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusCanceled  Status = "CANCELED"
	StatusRefunded  Status = "REFUNDED"
)

// Terminal reports whether no NEW-originated transition is accepted any more.
func (s Status) Terminal() bool {
	return s != StatusNew
}

// CanTransition reports whether from -> to is a legal state change.
// REFUNDED -> REFUNDED is allowed so that successive partial refunds
// each land on the intent.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNew:
		return to == StatusConfirmed || to == StatusRejected || to == StatusCanceled
	case StatusConfirmed, StatusRefunded:
		return to == StatusRefunded
	}
	return false
}

// MapGatewayStatus translates a raw gateway status into an Intent status.
// ok is false for informational statuses that never drive a transition.
func MapGatewayStatus(raw string) (Status, bool) {
	switch raw {
	case "CONFIRMED":
		return StatusConfirmed, true
	case "REJECTED", "AUTH_FAIL":
		return StatusRejected, true
	case "CANCELED", "REVERSED", "PARTIAL_REVERSED", "DEADLINE_EXPIRED":
		return StatusCanceled, true
	case "REFUNDED", "PARTIAL_REFUNDED":
		return StatusRefunded, true
	}
	return "", false
}
