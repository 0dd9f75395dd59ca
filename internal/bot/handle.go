package bot

import (
	"context"

	"strategy-executor/internal/commands"
	"strategy-executor/internal/strategy"
)

// Handle validates and executes one command. Failures are returned in the
// result and never stop the command loop.
func (o *Orchestrator) Handle(ctx context.Context, cmd commands.Command) commands.Result {
	logger := o.logger.With().Str("command_id", cmd.ID).Str("command", cmd.Command).Logger()

	if err := cmd.Validate(o.opts.ExecutorID, o.now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("Rejected command")
		return cmd.Reply(err, nil)
	}

	switch cmd.Command {
	case commands.StartStrategy:
		cfg, err := strategy.FromParameters(cmd.Parameters)
		if err != nil {
			return cmd.Reply(err, nil)
		}
		if err := o.StartStrategy(ctx, cfg); err != nil {
			return cmd.Reply(err, nil)
		}
		return cmd.Reply(nil, map[string]any{"strategyId": cfg.ID, "status": strategy.StatusActive})

	case commands.StopStrategy:
		id, _ := cmd.StrategyID()
		if err := o.StopStrategy(ctx, id); err != nil {
			return cmd.Reply(err, nil)
		}
		return cmd.Reply(nil, map[string]any{"strategyId": id, "status": strategy.StatusStopped})

	default: // PING
		status := o.Status()
		o.bus.PublishExecutorStatus(o.opts.ExecutorID, status.State, len(status.ActiveStrategies), status.OpenPositions)
		return cmd.Reply(nil, status)
	}
}
