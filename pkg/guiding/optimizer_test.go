package guiding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogistic(t *testing.T) {
	require.Equal(t, 0.5, Logistic(0))
	require.Greater(t, Logistic(2.0), 0.5)
	require.Less(t, Logistic(-2.0), 0.5)
	require.InDelta(t, 1.0, Logistic(20), 1e-8)
	require.InDelta(t, 0.0, Logistic(-20), 1e-8)
}

func TestAdamStepFollowsGradient(t *testing.T) {
	o := NewAdamOptimizer(DefaultAdamConfig())
	require.Equal(t, 0.0, o.Variable())

	o.Step(1)
	require.Less(t, o.Variable(), 0.0)

	o = NewAdamOptimizer(DefaultAdamConfig())
	o.Step(-1)
	require.Greater(t, o.Variable(), 0.0)
}

func TestAdamVariableClamped(t *testing.T) {
	o := NewAdamOptimizer(DefaultAdamConfig())
	for i := 0; i < 100000; i++ {
		o.Step(1e6)
	}
	require.GreaterOrEqual(t, o.Variable(), -20.0)

	o = NewAdamOptimizer(DefaultAdamConfig())
	for i := 0; i < 100000; i++ {
		o.Step(-1e6)
	}
	require.LessOrEqual(t, o.Variable(), 20.0)
}

func TestAdamAppendBatches(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.BatchSize = 4
	o := NewAdamOptimizer(cfg)

	// Accumulated weight has to exceed the batch size before a step.
	o.Append(1, 2)
	require.Equal(t, 0.0, o.Variable())
	o.Append(1, 3)
	require.Less(t, o.Variable(), 0.0)
}
