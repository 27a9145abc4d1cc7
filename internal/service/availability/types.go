package availability

// State summarizes a Status for display and metrics.
type State string

// Health states.
const (
	StateNormal     State = "normal"
	StateGeoBlocked State = "geo_blocked"
	StateDegraded   State = "degraded"
)

// Default messages when the service gives none.
const (
	DefaultGeoBlockedMessage = "connecting is not available in your region"
	DefaultDegradedMessage   = "the service is temporarily unavailable"
)

// Status is the upstream health report. Geo-blocking and service health are
// reported independently.
type Status struct {
	ServiceNormal bool   `json:"service_normal"`
	GeoBlocked    bool   `json:"geo_blocked"`
	Message       string `json:"message,omitempty"`
}

// Normal returns the healthy status.
func Normal() Status {
	return Status{ServiceNormal: true}
}

// GeoBlocked returns a geo-blocked status, defaulting the message.
func GeoBlocked(message string) Status {
	if message == "" {
		message = DefaultGeoBlockedMessage
	}
	return Status{ServiceNormal: true, GeoBlocked: true, Message: message}
}

// Degraded returns a degraded status, defaulting the message.
func Degraded(message string) Status {
	if message == "" {
		message = DefaultDegradedMessage
	}
	return Status{Message: message}
}

// State collapses the report into one state. Geo-blocking wins.
func (s Status) State() State {
	switch {
	case s.GeoBlocked:
		return StateGeoBlocked
	case !s.ServiceNormal:
		return StateDegraded
	default:
		return StateNormal
	}
}

// IsNormal reports whether connecting is unrestricted.
func (s Status) IsNormal() bool {
	return s.State() == StateNormal
}

// Decision is the gate's answer to "may a connection start now?".
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Status  Status `json:"status"`
}
