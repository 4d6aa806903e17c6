package alert

import "context"

// Severity grades an operational alert.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityFatal   Severity = "FATAL"
)

// Alert is an operational incident raised by the core. Alerts report; they
// never repair, since repair requires human judgement about which side of a
// conflicting write is correct.
type Alert struct {
	Severity  Severity
	Kind      string
	SessionID string
	Message   string
}

// Sink receives alerts. The default sink logs; an ops pager can replace it.
type Sink interface {
	Raise(ctx context.Context, a Alert)
}
