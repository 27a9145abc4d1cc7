package availability

import (
	"context"
)

// Gate turns health reports into connect decisions. A Gate without a
// checker always allows connecting.
type Gate struct {
	checker  Checker
	recorder Recorder
	logger   LogWriter
}

// Config contains dependencies for creating a Gate.
type Config struct {
	Checker  Checker
	Recorder Recorder
	Logger   LogWriter
}

// NewGate creates a Gate. A nil cfg or nil Checker yields a Gate that
// always reports the service as normal.
func NewGate(cfg *Config) *Gate {
	g := &Gate{}
	if cfg != nil {
		g.checker = cfg.Checker
		g.recorder = cfg.Recorder
		g.logger = cfg.Logger
	}
	return g
}

// Status queries the checker. A failing check is reported as degraded
// with the failure as its message.
func (g *Gate) Status(ctx context.Context) Status {
	if g.checker == nil {
		return Normal()
	}

	status, err := g.checker.Check(ctx)
	if g.recorder != nil {
		g.recorder.RecordHealthCheck(string(status.State()), err)
	}
	if err != nil {
		if g.logger != nil {
			g.logger.Error("availability check failed: %v", err)
		}
		return Degraded(err.Error())
	}

	if g.logger != nil {
		g.logger.Debug("availability: state=%s message=%q", status.State(), status.Message)
	}
	return status
}

// CanConnect reports whether a connection attempt may start. Geo-blocking
// refuses regardless of the service state; any non-normal state refuses
// too. The refusal reason is the service's message.
func (g *Gate) CanConnect(ctx context.Context) Decision {
	status := g.Status(ctx)
	if status.GeoBlocked || !status.ServiceNormal {
		reason := status.Message
		if reason == "" {
			reason = defaultReason(status)
		}
		return Decision{Allowed: false, Reason: reason, Status: status}
	}
	return Decision{Allowed: true, Status: status}
}

func defaultReason(s Status) string {
	if s.GeoBlocked {
		return DefaultGeoBlockedMessage
	}
	return DefaultDegradedMessage
}
