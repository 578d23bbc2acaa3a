package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/shared/model"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to model.DeploymentPhase
		ok       bool
	}{
		{model.PhasePlanning, model.PhasePreFlight, true},
		{model.PhasePlanning, model.PhaseDeployment, false},
		{model.PhasePreFlight, model.PhaseDeployment, true},
		{model.PhasePreFlight, model.PhaseRollback, false},
		{model.PhaseDeployment, model.PhaseVerification, true},
		{model.PhaseDeployment, model.PhaseRollback, true},
		{model.PhaseVerification, model.PhaseCompleted, true},
		{model.PhaseRollback, model.PhaseFailed, true},
		{model.PhaseRollback, model.PhaseCompleted, false},
		{model.PhaseCompleted, model.PhaseFailed, false},
		{model.PhaseFailed, model.PhasePlanning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsTerminal(t *testing.T) {
	d := &model.Deployment{Phase: model.PhaseCompleted}
	err := Transition(d, model.PhaseRollback)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.PhaseCompleted, d.Phase)

	d.Phase = model.PhasePlanning
	require.NoError(t, Transition(d, model.PhasePreFlight))
	assert.Equal(t, model.PhasePreFlight, d.Phase)
}
