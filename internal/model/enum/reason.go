package enum

// RejectReason explains why a submission was not committed.
type RejectReason uint8

const (
	_reject_reason_beg RejectReason = iota
	RejectMissingSymbol
	RejectMissingTimestamp
	RejectMalformed
	RejectPersistenceFailure
	RejectTimeout
	_reject_reason_end
)

func (r RejectReason) IsAvailable() bool {
	return r > _reject_reason_beg && r < _reject_reason_end
}

func (r RejectReason) String() string {
	switch r {
	case RejectMissingSymbol:
		return "missing_symbol"
	case RejectMissingTimestamp:
		return "missing_timestamp"
	case RejectMalformed:
		return "malformed"
	case RejectPersistenceFailure:
		return "persistence_failure"
	case RejectTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RejectReasons lists every available reason in declaration order.
func RejectReasons() []RejectReason {
	reasons := make([]RejectReason, 0, int(_reject_reason_end)-1)
	for r := _reject_reason_beg + 1; r < _reject_reason_end; r++ {
		reasons = append(reasons, r)
	}
	return reasons
}
