package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/model"
	"github.com/dmreyes/agentfund/internal/staking"
)

type Decision string

const (
	AllowedToSwitch     Decision = "allowed"
	NoOpAlreadyCurrent  Decision = "noop_already_current"
	BlockedCooldown     Decision = "blocked_cooldown"
	BlockedAgentRunning Decision = "blocked_agent_running"
	BlockedNoSlots      Decision = "blocked_no_slots"
)

// Input is everything Decide needs; it carries no I/O so the gating rules are
// a pure function of observed state.
type Input struct {
	CurrentProgram     string
	TargetProgram      string
	StakingState       staking.StakingState
	StakingStart       time.Time
	MinStakingDuration time.Duration
	ServiceRunning     bool
	TargetSlotsUsed    int64
	TargetMaxSlots     int64
	Now                time.Time
}

type Outcome struct {
	Decision          Decision
	Reason            string
	CooldownRemaining time.Duration
	EvictionExpiresAt time.Time
}

// Decide applies the migration gates in fixed order: same program, staking
// cooldown, running agent, then target capacity. A service that never staked
// has no cooldown; an evicted service is migratable once the minimum staking
// duration has elapsed.
func Decide(in Input) Outcome {
	if in.TargetProgram == in.CurrentProgram && in.CurrentProgram != "" {
		return Outcome{
			Decision: NoOpAlreadyCurrent,
			Reason:   fmt.Sprintf("service already staked on %s", in.CurrentProgram),
		}
	}

	outcome := Outcome{}
	if !in.StakingStart.IsZero() && in.MinStakingDuration > 0 {
		outcome.EvictionExpiresAt = in.StakingStart.Add(in.MinStakingDuration)
	}

	everStaked := in.StakingState != staking.StakingStateUnstaked && !in.StakingStart.IsZero()
	if everStaked {
		elapsed := in.Now.Sub(in.StakingStart)
		if elapsed < in.MinStakingDuration {
			outcome.Decision = BlockedCooldown
			outcome.CooldownRemaining = in.MinStakingDuration - elapsed
			outcome.Reason = fmt.Sprintf("minimum staking duration not met; %s remaining",
				outcome.CooldownRemaining.Round(time.Second))
			return outcome
		}
	}

	if in.ServiceRunning {
		outcome.Decision = BlockedAgentRunning
		outcome.Reason = "agent is running; stop it before switching staking programs"
		return outcome
	}

	if in.TargetMaxSlots <= 0 {
		outcome.Decision = BlockedNoSlots
		outcome.Reason = "target program reports no staking slots"
		return outcome
	}
	if in.TargetSlotsUsed >= in.TargetMaxSlots {
		outcome.Decision = BlockedNoSlots
		outcome.Reason = fmt.Sprintf("target program is full (%d/%d slots)", in.TargetSlotsUsed, in.TargetMaxSlots)
		return outcome
	}

	outcome.Decision = AllowedToSwitch
	return outcome
}

// Pauser is a polling loop that must be quiet while the service restakes.
type Pauser interface {
	Pause()
	Resume()
}

// ServiceController is the middleware surface the migration sequence drives.
type ServiceController interface {
	StopService(ctx context.Context, serviceConfigID string) error
	UpdateService(ctx context.Context, serviceConfigID, stakingProgram string) error
	StartService(ctx context.Context, serviceConfigID string) error
}

type Coordinator struct {
	services ServiceController
	pollers  []Pauser
	logger   *zap.Logger
}

func NewCoordinator(services ServiceController, logger *zap.Logger, pollers ...Pauser) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{services: services, pollers: pollers, logger: logger}
}

// Execute performs the switch: pause polling, stop the service, re-point it
// at the target program, restart it. Polling resumes even when a step fails.
func (c *Coordinator) Execute(ctx context.Context, serviceConfigID, targetProgram string, outcome Outcome) error {
	if outcome.Decision != AllowedToSwitch {
		return clierr.New(clierr.CodeBlocked, fmt.Sprintf("migration not allowed: %s", outcome.Reason))
	}

	for _, poller := range c.pollers {
		poller.Pause()
	}
	defer func() {
		for _, poller := range c.pollers {
			poller.Resume()
		}
	}()

	c.logger.Info("switching staking program",
		zap.String("service", serviceConfigID),
		zap.String("target", targetProgram))

	if err := c.services.StopService(ctx, serviceConfigID); err != nil {
		return clierr.Wrap(clierr.CodeExecutionFailed, "stop service", err)
	}
	if err := c.services.UpdateService(ctx, serviceConfigID, targetProgram); err != nil {
		return clierr.Wrap(clierr.CodeExecutionFailed, "update staking program", err)
	}
	if err := c.services.StartService(ctx, serviceConfigID); err != nil {
		return clierr.Wrap(clierr.CodeExecutionFailed, "restart service", err)
	}
	return nil
}

// View renders a decision for envelope output.
func View(in Input, outcome Outcome) model.MigrationDecisionView {
	view := model.MigrationDecisionView{
		Decision:       string(outcome.Decision),
		Reason:         outcome.Reason,
		CurrentProgram: in.CurrentProgram,
		TargetProgram:  in.TargetProgram,
		SlotsUsed:      in.TargetSlotsUsed,
		SlotsMax:       in.TargetMaxSlots,
	}
	if outcome.CooldownRemaining > 0 {
		view.CooldownRemainingS = int64(outcome.CooldownRemaining.Seconds())
	}
	if !outcome.EvictionExpiresAt.IsZero() {
		view.EvictionExpiresAt = outcome.EvictionExpiresAt.UTC().Format(time.RFC3339)
	}
	return view
}
