package casetd3

import (
	"fmt"

	"github.com/xiaogaogaoxiao/CASE/initwfn"
	"github.com/xiaogaogaoxiao/CASE/solver"
)

// Default hyperparameter settings
const (
	DefaultBatchSize   int     = 256
	DefaultDiscount    float64 = 0.99
	DefaultTau         float64 = 0.005
	DefaultPolicyNoise float64 = 0.2
	DefaultNoiseClip   float64 = 0.5
	DefaultPolicyFreq  int     = 2
	DefaultKLDivVar    float64 = 0.15
	DefaultStepSize    float64 = 3e-4
)

// Device describes the compute device on which an agent runs
type Device string

// Available compute devices
const (
	CPU Device = "cpu"
)

// Config implements the configuration of a CASETD3 agent.
//
// The actor and both critic heads are multilayer perceptrons with the
// hidden layer sizes given by HiddenSizes, ReLU activations on every
// hidden layer, and biases throughout. The actor output layer uses a
// tanh activation scaled by MaxAction so that actions are bounded in
// [-MaxAction, MaxAction] elementwise.
type Config struct {
	// StateDim and ActionDim are the dimensionalities of environment
	// states and agent actions
	StateDim  int
	ActionDim int

	// MaxAction bounds each action dimension in [-MaxAction, MaxAction]
	MaxAction float64

	// AgentID identifies this agent's transitions in a replay buffer
	// shared between multiple agents
	AgentID int

	// Device is the compute device on which the agent runs
	Device Device

	BatchSize int
	Discount  float64

	// Tau is the Polyak averaging constant for target network updates
	Tau float64

	// PolicyNoise and NoiseClip control the Gaussian smoothing noise
	// added to target policy actions when computing bootstrap targets
	PolicyNoise float64
	NoiseClip   float64

	// PolicyFreq is the number of critic updates per actor and target
	// network update
	PolicyFreq int

	// KLDivVar is the per-dimension variance of the reference
	// distribution that action residuals of external transitions are
	// measured against
	KLDivVar float64

	HiddenSizes []int
	InitWFn     *initwfn.InitWFn

	ActorSolver  *solver.Solver
	CriticSolver *solver.Solver
}

// DefaultConfig returns a Config with all hyperparameters set to their
// default values for an agent acting in a stateDim-dimensional state
// space with actionDim-dimensional actions bounded in
// [-maxAction, maxAction].
func DefaultConfig(stateDim, actionDim int, maxAction float64,
	agentID int) (Config, error) {
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return Config{}, fmt.Errorf("defaultconfig: could not create "+
			"weight initializer: %v", err)
	}

	actorSolver, err := solver.NewDefaultAdam(DefaultStepSize,
		DefaultBatchSize)
	if err != nil {
		return Config{}, fmt.Errorf("defaultconfig: could not create "+
			"actor solver: %v", err)
	}

	criticSolver, err := solver.NewDefaultAdam(DefaultStepSize,
		DefaultBatchSize)
	if err != nil {
		return Config{}, fmt.Errorf("defaultconfig: could not create "+
			"critic solver: %v", err)
	}

	return Config{
		StateDim:  stateDim,
		ActionDim: actionDim,
		MaxAction: maxAction,
		AgentID:   agentID,
		Device:    CPU,

		BatchSize:   DefaultBatchSize,
		Discount:    DefaultDiscount,
		Tau:         DefaultTau,
		PolicyNoise: DefaultPolicyNoise,
		NoiseClip:   DefaultNoiseClip,
		PolicyFreq:  DefaultPolicyFreq,
		KLDivVar:    DefaultKLDivVar,

		HiddenSizes: []int{256, 256},
		InitWFn:     init,

		ActorSolver:  actorSolver,
		CriticSolver: criticSolver,
	}, nil
}

// Validate returns an error describing the first invalid setting found
// in the Config, or nil if the Config is valid.
func (c Config) Validate() error {
	if c.StateDim <= 0 {
		return fmt.Errorf("state dimension must be > 0")
	}
	if c.ActionDim <= 0 {
		return fmt.Errorf("action dimension must be > 0")
	}
	if c.MaxAction <= 0 {
		return fmt.Errorf("maximum action must be > 0")
	}
	if c.AgentID < 0 {
		return fmt.Errorf("agent ID must be >= 0")
	}
	if c.Device != CPU {
		return fmt.Errorf("device %q not supported, only %q", c.Device, CPU)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0")
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("discount must be in [0, 1]")
	}
	if c.Tau < 0 || c.Tau > 1 {
		return fmt.Errorf("tau must be in [0, 1]")
	}
	if c.PolicyNoise < 0 {
		return fmt.Errorf("policy noise must be >= 0")
	}
	if c.NoiseClip < 0 {
		return fmt.Errorf("noise clip must be >= 0")
	}
	if c.PolicyFreq <= 0 {
		return fmt.Errorf("policy frequency must be > 0")
	}
	if c.KLDivVar <= 0 {
		return fmt.Errorf("KL divergence reference variance must be > 0")
	}
	if len(c.HiddenSizes) == 0 {
		return fmt.Errorf("at least one hidden layer is required")
	}
	for _, size := range c.HiddenSizes {
		if size <= 0 {
			return fmt.Errorf("hidden layer sizes must be > 0")
		}
	}
	if c.InitWFn == nil {
		return fmt.Errorf("no weight initializer given")
	}
	if c.ActorSolver == nil || c.CriticSolver == nil {
		return fmt.Errorf("no solver given")
	}
	return nil
}
