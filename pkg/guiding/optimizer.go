package guiding

import "math"

// AdamConfig holds the hyperparameters for the Adam optimizer
type AdamConfig struct {
	LearningRate float64
	BatchSize    float64
	Epsilon      float64
	Beta1        float64
	Beta2        float64
}

// DefaultAdamConfig returns the hyperparameters used for learning the
// appearance-model sampling fraction
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.01,
		BatchSize:    1,
		Epsilon:      1e-8,
		Beta1:        0.9,
		Beta2:        0.999,
	}
}

// AdamOptimizer is a stochastic-gradient estimator of a single scalar
// parameter, implementing the adaptive update of Kingma and Ba with
// bias-corrected first and second raw moments. Gradients are batched by
// statistical weight before each step.
type AdamOptimizer struct {
	config AdamConfig

	iter         int
	firstMoment  float64
	secondMoment float64
	variable     float64

	batchGradient     float64
	batchAccumulation float64
}

// NewAdamOptimizer creates an optimizer with the given hyperparameters
func NewAdamOptimizer(config AdamConfig) AdamOptimizer {
	return AdamOptimizer{config: config}
}

// Append accumulates a weighted gradient into the current batch and performs
// one optimizer step once the accumulated weight exceeds the batch size.
// Callers must reject non-finite gradients before appending.
func (o *AdamOptimizer) Append(gradient, statisticalWeight float64) {
	o.batchGradient += gradient * statisticalWeight
	o.batchAccumulation += statisticalWeight

	if o.batchAccumulation > o.config.BatchSize {
		o.Step(o.batchGradient / o.batchAccumulation)

		o.batchGradient = 0
		o.batchAccumulation = 0
	}
}

// Step applies one bias-corrected adaptive gradient update
func (o *AdamOptimizer) Step(gradient float64) {
	o.iter++

	t := float64(o.iter)
	actualLearningRate := o.config.LearningRate *
		math.Sqrt(1-math.Pow(o.config.Beta2, t)) / (1 - math.Pow(o.config.Beta1, t))
	o.firstMoment = o.config.Beta1*o.firstMoment + (1-o.config.Beta1)*gradient
	o.secondMoment = o.config.Beta2*o.secondMoment + (1-o.config.Beta2)*gradient*gradient
	o.variable -= actualLearningRate * o.firstMoment / (math.Sqrt(o.secondMoment) + o.config.Epsilon)

	// Clamp to [-20, 20]: the logistic transform that consumes the variable
	// already saturates to within float noise of 0/1 at those magnitudes, and
	// an unbounded variable can otherwise never recover.
	o.variable = math.Min(math.Max(o.variable, -20), 20)
}

// Variable returns the current value of the optimized scalar
func (o *AdamOptimizer) Variable() float64 {
	return o.variable
}

// Logistic maps the unbounded optimizer variable to a fraction in (0, 1)
func Logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
