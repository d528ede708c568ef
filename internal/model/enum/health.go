package enum

// HealthStatus describes whether cached reads may lag the durable log.
type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota
	HealthOK
	HealthDegraded
)

func (s HealthStatus) String() string {
	switch s {
	case HealthOK:
		return "ok"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
