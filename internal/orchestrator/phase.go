package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"uci-fleet/internal/shared/model"
)

// ErrInvalidTransition 阶段迁移不在迁移表中
var ErrInvalidTransition = errors.New("invalid deployment phase transition")

// transitions 部署阶段迁移表，终态没有出边
var transitions = map[model.DeploymentPhase][]model.DeploymentPhase{
	model.PhasePlanning:     {model.PhasePreFlight, model.PhaseFailed},
	model.PhasePreFlight:    {model.PhaseDeployment, model.PhaseFailed},
	model.PhaseDeployment:   {model.PhaseVerification, model.PhaseRollback, model.PhaseFailed},
	model.PhaseVerification: {model.PhaseCompleted, model.PhaseRollback, model.PhaseFailed},
	model.PhaseRollback:     {model.PhaseFailed},
}

// CanTransition 是否允许 from → to
func CanTransition(from, to model.DeploymentPhase) bool {
	return slices.Contains(transitions[from], to)
}

// Transition 校验并执行阶段迁移
func Transition(d *model.Deployment, to model.DeploymentPhase) error {
	if !CanTransition(d.Phase, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, d.Phase, to)
	}
	d.Phase = to
	return nil
}
