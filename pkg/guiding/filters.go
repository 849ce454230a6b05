package guiding

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// SpatialFilter selects how a sample's position is spread over the
// spatial tree when recording.
type SpatialFilter int

const (
	// SpatialFilterNearest records into the single leaf containing the
	// sample position.
	SpatialFilterNearest SpatialFilter = iota

	// SpatialFilterStochasticBox jitters the position within a
	// leaf-sized box and records into the leaf containing the jittered
	// position.
	SpatialFilterStochasticBox

	// SpatialFilterBox splats the sample into every leaf overlapping a
	// leaf-sized box around the position, weighted by overlap volume.
	SpatialFilterBox
)

// ParseSpatialFilter parses a spatial filter name.
func ParseSpatialFilter(s string) (SpatialFilter, error) {
	switch s {
	case "nearest":
		return SpatialFilterNearest, nil
	case "stochastic":
		return SpatialFilterStochasticBox, nil
	case "box":
		return SpatialFilterBox, nil
	default:
		return 0, errors.New("unknown spatial filter").WithTag("filter", s)
	}
}

func (f SpatialFilter) String() string {
	switch f {
	case SpatialFilterNearest:
		return "nearest"
	case SpatialFilterStochasticBox:
		return "stochastic"
	case SpatialFilterBox:
		return "box"
	default:
		return "unknown"
	}
}

// DirectionalFilter selects how a sample's direction is spread over a
// directional tree when recording.
type DirectionalFilter int

const (
	// DirectionalFilterNearest records into the single quadrant
	// containing the canonical direction.
	DirectionalFilterNearest DirectionalFilter = iota

	// DirectionalFilterBox spreads the energy over a leaf-sized
	// footprint around the canonical direction.
	DirectionalFilterBox
)

// ParseDirectionalFilter parses a directional filter name.
func ParseDirectionalFilter(s string) (DirectionalFilter, error) {
	switch s {
	case "nearest":
		return DirectionalFilterNearest, nil
	case "box":
		return DirectionalFilterBox, nil
	default:
		return 0, errors.New("unknown directional filter").WithTag("filter", s)
	}
}

func (f DirectionalFilter) String() string {
	switch f {
	case DirectionalFilterNearest:
		return "nearest"
	case DirectionalFilterBox:
		return "box"
	default:
		return "unknown"
	}
}

// SamplingFractionLoss selects how the fraction of BSDF samples in the
// guiding mixture is chosen.
type SamplingFractionLoss int

const (
	// LossNone keeps the fraction fixed at its configured value.
	LossNone SamplingFractionLoss = iota

	// LossKL learns the fraction by stochastic gradient descent on the
	// KL divergence between the mixture and the incident radiance.
	LossKL

	// LossVariance learns the fraction by gradient descent on the
	// variance of the mixture estimator.
	LossVariance
)

// ParseSamplingFractionLoss parses a sampling fraction loss name.
func ParseSamplingFractionLoss(s string) (SamplingFractionLoss, error) {
	switch s {
	case "none":
		return LossNone, nil
	case "kl":
		return LossKL, nil
	case "variance":
		return LossVariance, nil
	default:
		return 0, errors.New("unknown sampling fraction loss").WithTag("loss", s)
	}
}

func (l SamplingFractionLoss) String() string {
	switch l {
	case LossNone:
		return "none"
	case LossKL:
		return "kl"
	case LossVariance:
		return "variance"
	default:
		return "unknown"
	}
}

// ReuseStrategy selects what happens to the statistics gathered in
// earlier iterations when the distributions are rebuilt.
type ReuseStrategy int

const (
	// ReuseDiscard throws all previous statistics away.
	ReuseDiscard ReuseStrategy = iota

	// ReuseReweight replays stored paths, rescaling each vertex by the
	// ratio of new to old sampling density.
	ReuseReweight

	// ReuseReject replays stored paths through a rejection test against
	// the new density, keeping accepted vertices unweighted.
	ReuseReject

	// ReuseRejectReweight combines rejection with a clamped reweight of
	// the surviving vertices.
	ReuseRejectReweight

	// ReuseAugment draws extra samples from an envelope distribution
	// covering the mass the new density adds over the old one.
	ReuseAugment

	// ReuseRejectAugment applies rejection before tracing and envelope
	// augmentation after.
	ReuseRejectAugment

	// ReuseReweightAugment applies reweighting before tracing and
	// envelope augmentation after.
	ReuseReweightAugment
)

// ParseReuseStrategy parses a sample reuse strategy name.
func ParseReuseStrategy(s string) (ReuseStrategy, error) {
	switch s {
	case "discard":
		return ReuseDiscard, nil
	case "reweight":
		return ReuseReweight, nil
	case "reject":
		return ReuseReject, nil
	case "rejectreweight":
		return ReuseRejectReweight, nil
	case "augment":
		return ReuseAugment, nil
	case "rejectaugment":
		return ReuseRejectAugment, nil
	case "reweightaugment":
		return ReuseReweightAugment, nil
	default:
		return 0, errors.New("unknown sample reuse strategy").WithTag("strategy", s)
	}
}

func (r ReuseStrategy) String() string {
	switch r {
	case ReuseDiscard:
		return "discard"
	case ReuseReweight:
		return "reweight"
	case ReuseReject:
		return "reject"
	case ReuseRejectReweight:
		return "rejectreweight"
	case ReuseAugment:
		return "augment"
	case ReuseRejectAugment:
		return "rejectaugment"
	case ReuseReweightAugment:
		return "reweightaugment"
	default:
		return "unknown"
	}
}

// UsesEnvelope reports whether the strategy draws additional samples
// from an envelope distribution after tracing.
func (r ReuseStrategy) UsesEnvelope() bool {
	switch r {
	case ReuseAugment, ReuseRejectAugment, ReuseReweightAugment:
		return true
	default:
		return false
	}
}

// ReplaysBeforeTracing reports whether the strategy replays stored
// paths before the next iteration is traced.
func (r ReuseStrategy) ReplaysBeforeTracing() bool {
	switch r {
	case ReuseReweight, ReuseReject, ReuseRejectReweight:
		return true
	default:
		return false
	}
}

// SampleCombination selects how the intermediate images of all
// iterations are merged into the final image.
type SampleCombination int

const (
	// CombineDiscard keeps only the final iteration's image.
	CombineDiscard SampleCombination = iota

	// CombineAutomatic weights iterations by their sample counts when
	// the final iteration is short, otherwise discards earlier ones.
	CombineAutomatic

	// CombineInverseVariance weights the last iterations by the inverse
	// of their estimated pixel variance.
	CombineInverseVariance
)

// ParseSampleCombination parses a sample combination name.
func ParseSampleCombination(s string) (SampleCombination, error) {
	switch s {
	case "discard":
		return CombineDiscard, nil
	case "automatic":
		return CombineAutomatic, nil
	case "inversevariance":
		return CombineInverseVariance, nil
	default:
		return 0, errors.New("unknown sample combination").WithTag("combination", s)
	}
}

func (c SampleCombination) String() string {
	switch c {
	case CombineDiscard:
		return "discard"
	case CombineAutomatic:
		return "automatic"
	case CombineInverseVariance:
		return "inversevariance"
	default:
		return "unknown"
	}
}

// NeeMode selects when next event estimation runs during tracing.
type NeeMode int

const (
	// NeeNever disables next event estimation.
	NeeNever NeeMode = iota

	// NeeKickstart enables next event estimation only while the
	// distributions are still training, to seed them faster.
	NeeKickstart

	// NeeAlways keeps next event estimation on for all iterations.
	NeeAlways
)

// ParseNeeMode parses a next event estimation mode name.
func ParseNeeMode(s string) (NeeMode, error) {
	switch s {
	case "never":
		return NeeNever, nil
	case "kickstart":
		return NeeKickstart, nil
	case "always":
		return NeeAlways, nil
	default:
		return 0, errors.New("unknown next event estimation mode").WithTag("mode", s)
	}
}

func (m NeeMode) String() string {
	switch m {
	case NeeNever:
		return "never"
	case NeeKickstart:
		return "kickstart"
	case NeeAlways:
		return "always"
	default:
		return "unknown"
	}
}

// BudgetType selects how the rendering budget is measured.
type BudgetType int

const (
	// BudgetSpp measures the budget in samples per pixel.
	BudgetSpp BudgetType = iota

	// BudgetSeconds measures the budget in wall-clock seconds.
	BudgetSeconds
)

// ParseBudgetType parses a budget type name.
func ParseBudgetType(s string) (BudgetType, error) {
	switch s {
	case "spp":
		return BudgetSpp, nil
	case "seconds":
		return BudgetSeconds, nil
	default:
		return 0, errors.New("unknown budget type").WithTag("budget", s)
	}
}

func (b BudgetType) String() string {
	switch b {
	case BudgetSpp:
		return "spp"
	case BudgetSeconds:
		return "seconds"
	default:
		return "unknown"
	}
}
