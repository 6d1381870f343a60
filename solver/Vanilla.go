package solver

import G "gorgonia.org/gorgonia"

// VanillaConfig describes a configuration of a vanilla gradient
// descent solver
type VanillaConfig struct {
	StepSize float64
	Batch    int
}

// NewVanilla returns a new vanilla gradient descent Solver
func NewVanilla(stepSize float64, batchSize int) (*Solver, error) {
	vanilla := VanillaConfig{
		StepSize: stepSize,
		Batch:    batchSize,
	}

	return newSolver(Vanilla, vanilla)
}

// Create returns a new Gorgonia vanilla gradient descent Solver as
// described by the VanillaConfig
func (v VanillaConfig) Create() G.Solver {
	return G.NewVanillaSolver(
		G.WithLearnRate(v.StepSize),
		G.WithBatchSize(float64(v.Batch)),
	)
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}
