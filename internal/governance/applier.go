package governance

import (
	"context"
	"log/slog"
)

// ActionApplier applies a succeeded proposal's encoded action to the outside
// world, e.g. updating an agreement parameter in the registry of record. The
// engine marks a proposal executed only after Apply returns nil.
type ActionApplier interface {
	Apply(ctx context.Context, proposal Proposal) error
}

// LoggerApplier acknowledges actions by logging them. Stands in for the real
// parameter-update integration.
type LoggerApplier struct {
	logger *slog.Logger
}

// NewLoggerApplier constructs the logging applier stub.
func NewLoggerApplier(logger *slog.Logger) *LoggerApplier {
	return &LoggerApplier{logger: logger}
}

// Apply logs the action and succeeds.
func (a *LoggerApplier) Apply(_ context.Context, p Proposal) error {
	if a == nil || a.logger == nil {
		return nil
	}
	a.logger.Info("applying proposal action",
		"proposal_id", p.ID, "agreement_id", p.AgreementID,
		"type", string(p.Type), "target_value", p.TargetValue)
	return nil
}
