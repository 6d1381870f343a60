// Package casetd3 implements the CASE-TD3 agent: twin delayed deep
// deterministic policy gradient with trust-weighted learning from
// experience shared by other agents.
//
// The agent learns a deterministic policy over a bounded, continuous
// action space together with twin action-value estimators. Bootstrap
// targets use the minimum of the two target critic heads, evaluated at
// target policy actions perturbed by clipped Gaussian noise. The
// policy and the target networks are updated once every PolicyFreq
// critic updates.
//
// Transitions sampled from the replay buffer may have been recorded by
// other agents. Each update, the transitions recorded by other agents
// are downweighted by a single trust weight in [0, 1] computed from
// how far their stored actions fall from the agent's own current
// policy; see the reweight package. Transitions the agent recorded
// itself always have weight 1.
package casetd3

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/xiaogaogaoxiao/CASE/agent"
	"github.com/xiaogaogaoxiao/CASE/expreplay"
	"github.com/xiaogaogaoxiao/CASE/network"
	"github.com/xiaogaogaoxiao/CASE/reweight"
	"github.com/xiaogaogaoxiao/CASE/solver"
	"github.com/xiaogaogaoxiao/CASE/utils/floatutils"
)

// CASETD3 implements the CASE-TD3 algorithm. A CASETD3 is an
// agent.Agent and is not safe for concurrent use.
type CASETD3 struct {
	stateDim  int
	actionDim int
	maxAction float64
	agentID   int

	batchSize   int
	discount    float64
	tau         float64
	policyNoise float64
	noiseClip   float64
	policyFreq  int

	// Critic training graph: twin critic with target and trust weight
	// input nodes
	critic        network.TwinNet
	criticTarget  *G.Node
	criticWeight  *G.Node
	criticLossVal G.Value
	criticVM      G.VM
	criticSolver  *solver.Solver

	// Actor training graph: the policy feeding a frozen clone of the
	// critic's first head
	actor        network.NeuralNet
	actorCritic  network.NeuralNet
	actorWeight  *G.Node
	actorLossVal G.Value
	actorVM      G.VM
	actorSolver  *solver.Solver

	// Behaviour policy with batch size 1 for action selection
	behaviour   network.NeuralNet
	behaviourVM G.VM

	// Copy of the policy with the update batch size, used to compute
	// the current policy's actions for the action residuals
	residual   network.NeuralNet
	residualVM G.VM

	targetActor    network.NeuralNet
	targetActorVM  G.VM
	targetCritic   network.NeuralNet
	targetCriticVM G.VM

	reweighter *reweight.Reweighter
	noise      distuv.Normal

	totalIt int
}

// New creates and returns a new CASETD3 agent with the given
// configuration. The seed determines the agent's target policy
// smoothing noise stream.
func New(c Config, seed uint64) (*CASETD3, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("new: invalid configuration: %v", err)
	}

	biases := make([]bool, len(c.HiddenSizes))
	activations := make([]*network.Activation, len(c.HiddenSizes))
	for i := range c.HiddenSizes {
		biases[i] = true
		activations[i] = network.ReLU()
	}

	// The agent is allocated before its graphs are built so that loss
	// values can be read into its fields
	a := &CASETD3{
		stateDim:  c.StateDim,
		actionDim: c.ActionDim,
		maxAction: c.MaxAction,
		agentID:   c.AgentID,

		batchSize:   c.BatchSize,
		discount:    c.Discount,
		tau:         c.Tau,
		policyNoise: c.PolicyNoise,
		noiseClip:   c.NoiseClip,
		policyFreq:  c.PolicyFreq,

		criticSolver: c.CriticSolver,
		actorSolver:  c.ActorSolver,

		noise: distuv.Normal{
			Mu:    0,
			Sigma: c.PolicyNoise,
			Src:   rand.NewSource(seed),
		},
	}

	var err error
	a.reweighter, err = reweight.New(c.ActionDim, c.KLDivVar)
	if err != nil {
		return nil, fmt.Errorf("new: could not create reweighter: %v", err)
	}

	// Critic training graph
	gCritic := G.NewGraph()
	a.critic, err = network.NewTwinMLP(c.StateDim+c.ActionDim, c.BatchSize,
		gCritic, c.HiddenSizes, biases, c.InitWFn.InitWFn(), activations)
	if err != nil {
		return nil, fmt.Errorf("new: could not create critic: %v", err)
	}
	a.criticTarget = G.NewMatrix(
		gCritic,
		tensor.Float64,
		G.WithShape(c.BatchSize, 1),
		G.WithName("updateTarget"),
		G.WithInit(G.Zeroes()),
	)
	a.criticWeight = G.NewMatrix(
		gCritic,
		tensor.Float64,
		G.WithShape(c.BatchSize, 1),
		G.WithName("criticTrustWeight"),
		G.WithInit(G.Ones()),
	)

	q1 := a.critic.Prediction()[0]
	q2 := a.critic.Prediction()[1]
	squaredError := G.Must(G.Add(
		G.Must(G.Square(G.Must(G.Sub(q1, a.criticTarget)))),
		G.Must(G.Square(G.Must(G.Sub(q2, a.criticTarget)))),
	))
	weightedError := G.Must(G.HadamardProd(a.criticWeight, squaredError))
	criticLoss := G.Must(G.Div(
		G.Must(G.Sum(weightedError)),
		G.Must(G.Sum(a.criticWeight)),
	))
	G.Read(criticLoss, &a.criticLossVal)

	if _, err := G.Grad(criticLoss, a.critic.Learnables()...); err != nil {
		return nil, fmt.Errorf("new: could not compute critic gradient: %v",
			err)
	}
	a.criticVM = G.NewTapeMachine(gCritic,
		G.BindDualValues(a.critic.Learnables()...))

	// Actor training graph. The policy's actions are fed, together
	// with the states that produced them, through a frozen clone of
	// the critic's first head.
	gActor := G.NewGraph()
	a.actor, err = network.NewBoundedMLP(c.StateDim, c.BatchSize, c.ActionDim,
		gActor, c.HiddenSizes, biases, c.InitWFn.InitWFn(), activations,
		c.MaxAction)
	if err != nil {
		return nil, fmt.Errorf("new: could not create actor: %v", err)
	}

	stateAction := G.Must(G.Concat(1, a.actor.Input(),
		a.actor.Prediction()[0]))
	a.actorCritic, err = a.critic.FirstHead(stateAction)
	if err != nil {
		return nil, fmt.Errorf("new: could not clone critic head into "+
			"actor graph: %v", err)
	}
	a.actorWeight = G.NewMatrix(
		gActor,
		tensor.Float64,
		G.WithShape(c.BatchSize, 1),
		G.WithName("actorTrustWeight"),
		G.WithInit(G.Ones()),
	)

	weightedValue := G.Must(G.HadamardProd(a.actorWeight,
		a.actorCritic.Prediction()[0]))
	actorLoss := G.Must(G.Neg(G.Must(G.Div(
		G.Must(G.Sum(weightedValue)),
		G.Must(G.Sum(a.actorWeight)),
	))))
	G.Read(actorLoss, &a.actorLossVal)

	if _, err := G.Grad(actorLoss, a.actor.Learnables()...); err != nil {
		return nil, fmt.Errorf("new: could not compute actor gradient: %v",
			err)
	}
	a.actorVM = G.NewTapeMachine(gActor,
		G.BindDualValues(a.actor.Learnables()...))

	// Policy copies and target networks. Cloning copies parameter
	// values, so all copies start identical to the live networks.
	behaviour, err := a.actor.CloneWithBatch(1)
	if err != nil {
		return nil, fmt.Errorf("new: could not create behaviour policy: %v",
			err)
	}
	a.behaviour = behaviour
	a.behaviourVM = G.NewTapeMachine(behaviour.Graph())

	residual, err := a.actor.CloneWithBatch(c.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create residual policy: %v",
			err)
	}
	a.residual = residual
	a.residualVM = G.NewTapeMachine(residual.Graph())

	targetActor, err := a.actor.CloneWithBatch(c.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create target actor: %v", err)
	}
	a.targetActor = targetActor
	a.targetActorVM = G.NewTapeMachine(targetActor.Graph())

	targetCritic, err := a.critic.CloneWithBatch(c.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create target critic: %v", err)
	}
	a.targetCritic = targetCritic
	a.targetCriticVM = G.NewTapeMachine(targetCritic.Graph())

	return a, nil
}

// SelectAction returns the deterministic greedy action of the agent's
// current policy in the argument state. Every action coordinate is in
// [-MaxAction, MaxAction].
func (c *CASETD3) SelectAction(state *mat.VecDense) (*mat.VecDense, error) {
	if state.Len() != c.stateDim {
		return nil, fmt.Errorf("selectaction: invalid state dimension "+
			"\n\twant(%v)\n\thave(%v)", c.stateDim, state.Len())
	}

	err := c.behaviour.SetInput(cloneSlice(state.RawVector().Data))
	if err != nil {
		return nil, fmt.Errorf("selectaction: could not set policy input: %v",
			err)
	}
	if err := c.behaviourVM.RunAll(); err != nil {
		return nil, fmt.Errorf("selectaction: could not run policy: %v", err)
	}

	action, err := valueData(c.behaviour.Output()[0])
	if err != nil {
		return nil, fmt.Errorf("selectaction: could not read action: %v", err)
	}
	action = cloneSlice(action)
	c.behaviourVM.Reset()

	return mat.NewVecDense(c.actionDim, action), nil
}

// Update performs a single learning step from a batch of batchSize
// transitions sampled from replay. The critic is updated every call;
// the actor and the target networks are updated on every PolicyFreq-th
// call.
//
// The batchSize must equal the configured BatchSize: the agent's
// computational graphs are built for a fixed batch size.
func (c *CASETD3) Update(replay agent.ReplayBuffer, batchSize int) error {
	if batchSize != c.batchSize {
		return fmt.Errorf("update: invalid batch size \n\twant(%v)"+
			"\n\thave(%v)", c.batchSize, batchSize)
	}

	batch, err := replay.Sample(batchSize)
	if err != nil {
		return err
	}
	if batch.Size() != batchSize {
		return fmt.Errorf("update: replay buffer returned %v transitions, "+
			"expected %v", batch.Size(), batchSize)
	}

	c.totalIt++

	weights := c.trustWeights(batch)

	// Critic update
	targets, err := c.bootstrapTargets(batch)
	if err != nil {
		return fmt.Errorf("update: could not compute bootstrap targets: %v",
			err)
	}

	stateActions := interleave(batch.States, batch.Actions, c.stateDim,
		c.actionDim)
	if err := c.critic.SetInput(stateActions); err != nil {
		return fmt.Errorf("update: could not set critic input: %v", err)
	}
	err = G.Let(c.criticTarget, tensor.New(
		tensor.WithBacking(targets),
		tensor.WithShape(batchSize, 1),
	))
	if err != nil {
		return fmt.Errorf("update: could not set critic targets: %v", err)
	}
	err = G.Let(c.criticWeight, tensor.New(
		tensor.WithBacking(cloneSlice(weights)),
		tensor.WithShape(batchSize, 1),
	))
	if err != nil {
		return fmt.Errorf("update: could not set critic trust weights: %v",
			err)
	}

	if err := c.criticVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run critic update: %v", err)
	}
	if err := c.criticSolver.Step(c.critic.Model()); err != nil {
		return fmt.Errorf("update: could not step critic solver: %v", err)
	}
	c.criticVM.Reset()

	if c.totalIt%c.policyFreq != 0 {
		return nil
	}

	// Delayed actor update. The frozen critic head in the actor graph
	// is refreshed first, since the critic changed above.
	err = network.SetLearnables(c.actorCritic.Learnables(), c.critic.Head(0))
	if err != nil {
		return fmt.Errorf("update: could not refresh critic head in actor "+
			"graph: %v", err)
	}

	if err := c.actor.SetInput(cloneSlice(batch.States)); err != nil {
		return fmt.Errorf("update: could not set actor input: %v", err)
	}
	err = G.Let(c.actorWeight, tensor.New(
		tensor.WithBacking(cloneSlice(weights)),
		tensor.WithShape(batchSize, 1),
	))
	if err != nil {
		return fmt.Errorf("update: could not set actor trust weights: %v", err)
	}

	if err := c.actorVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run actor update: %v", err)
	}
	if err := c.actorSolver.Step(c.actor.Model()); err != nil {
		return fmt.Errorf("update: could not step actor solver: %v", err)
	}
	c.actorVM.Reset()

	// Target networks track the live networks with Polyak averaging
	if err := network.Polyak(c.targetActor, c.actor, c.tau); err != nil {
		return fmt.Errorf("update: could not update target actor: %v", err)
	}
	if err := network.Polyak(c.targetCritic, c.critic, c.tau); err != nil {
		return fmt.Errorf("update: could not update target critic: %v", err)
	}

	// The behaviour and residual policies are exact copies of the
	// live actor
	if err := network.Set(c.behaviour, c.actor); err != nil {
		return fmt.Errorf("update: could not update behaviour policy: %v", err)
	}
	if err := network.Set(c.residual, c.actor); err != nil {
		return fmt.Errorf("update: could not update residual policy: %v", err)
	}

	return nil
}

// trustWeights computes the per-transition trust weights for a batch.
// Transitions recorded by this agent have weight 1. All transitions
// recorded by other agents share a single weight in [0, 1] computed by
// the agent's reweighter from the batch's action residuals.
//
// A failure to compute the shared weight is treated as zero trust in
// the external transitions rather than as an error.
func (c *CASETD3) trustWeights(batch expreplay.Batch) []float64 {
	weights := floatutils.Ones(batch.Size())

	var extRows []int
	for i, id := range batch.AgentIDs {
		if id != c.agentID {
			extRows = append(extRows, i)
		}
	}
	if len(extRows) == 0 {
		return weights
	}

	actions, err := c.policyActions(batch.States)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not evaluate policy for "+
			"reweighting, distrusting external transitions: %v\n", err)
		for _, i := range extRows {
			weights[i] = 0
		}
		return weights
	}

	residuals := mat.NewDense(len(extRows), c.actionDim, nil)
	for r, i := range extRows {
		for j := 0; j < c.actionDim; j++ {
			k := i*c.actionDim + j
			residuals.Set(r, j, batch.Actions[k]-actions[k])
		}
	}

	w, _ := c.reweighter.Weight(residuals)
	for _, i := range extRows {
		weights[i] = w
	}
	return weights
}

// policyActions runs the current policy on a batch of states, given in
// row-major order, and returns its actions in row-major order.
func (c *CASETD3) policyActions(states []float64) ([]float64, error) {
	if err := c.residual.SetInput(cloneSlice(states)); err != nil {
		return nil, fmt.Errorf("policyactions: could not set input: %v", err)
	}
	if err := c.residualVM.RunAll(); err != nil {
		return nil, fmt.Errorf("policyactions: could not run policy: %v", err)
	}
	actions, err := valueData(c.residual.Output()[0])
	if err != nil {
		return nil, fmt.Errorf("policyactions: could not read actions: %v",
			err)
	}
	actions = cloneSlice(actions)
	c.residualVM.Reset()

	return actions, nil
}

// bootstrapTargets computes the update target for each transition in
// the batch:
//
//	y = r + notDone * discount * min(Q1'(s', a'), Q2'(s', a'))
//
// where a' is the target policy's action in s' perturbed by clipped
// Gaussian noise and clamped to the action bounds, and Q1', Q2' are
// the target critic heads.
func (c *CASETD3) bootstrapTargets(batch expreplay.Batch) ([]float64, error) {
	err := c.targetActor.SetInput(cloneSlice(batch.NextStates))
	if err != nil {
		return nil, fmt.Errorf("could not set target actor input: %v", err)
	}
	if err := c.targetActorVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not run target actor: %v", err)
	}
	nextActions, err := valueData(c.targetActor.Output()[0])
	if err != nil {
		return nil, fmt.Errorf("could not read target actions: %v", err)
	}
	nextActions = cloneSlice(nextActions)
	c.targetActorVM.Reset()

	// Target policy smoothing
	for i := range nextActions {
		eps := floatutils.Clip(c.noise.Rand(), -c.noiseClip, c.noiseClip)
		nextActions[i] = floatutils.Clip(nextActions[i]+eps, -c.maxAction,
			c.maxAction)
	}

	nextStateActions := interleave(batch.NextStates, nextActions, c.stateDim,
		c.actionDim)
	if err := c.targetCritic.SetInput(nextStateActions); err != nil {
		return nil, fmt.Errorf("could not set target critic input: %v", err)
	}
	if err := c.targetCriticVM.RunAll(); err != nil {
		return nil, fmt.Errorf("could not run target critic: %v", err)
	}
	q1, err := valueData(c.targetCritic.Output()[0])
	if err != nil {
		return nil, fmt.Errorf("could not read target values: %v", err)
	}
	q1 = cloneSlice(q1)
	q2, err := valueData(c.targetCritic.Output()[1])
	if err != nil {
		return nil, fmt.Errorf("could not read target values: %v", err)
	}
	q2 = cloneSlice(q2)
	c.targetCriticVM.Reset()

	targets := make([]float64, batch.Size())
	for i := range targets {
		targets[i] = batch.Rewards[i] + batch.NotDones[i]*c.discount*
			floatutils.Min(q1[i], q2[i])
	}
	return targets, nil
}

// CriticLoss returns the critic loss of the most recent update, or NaN
// if the agent has not been updated yet.
func (c *CASETD3) CriticLoss() float64 {
	return lossValue(c.criticLossVal)
}

// ActorLoss returns the actor loss of the most recent delayed policy
// update, or NaN if the actor has not been updated yet.
func (c *CASETD3) ActorLoss() float64 {
	return lossValue(c.actorLossVal)
}

func lossValue(v G.Value) float64 {
	if v == nil {
		return math.NaN()
	}
	data, err := valueData(v)
	if err != nil || len(data) != 1 {
		return math.NaN()
	}
	return data[0]
}

// valueData returns the data of a Gorgonia value as a flat []float64.
// Single-element values may be reported by the tensor package as plain
// scalars, so both representations are accepted.
func valueData(v G.Value) ([]float64, error) {
	switch data := v.Data().(type) {
	case []float64:
		return data, nil
	case float64:
		return []float64{data}, nil
	default:
		return nil, fmt.Errorf("valuedata: unsupported element type %T", data)
	}
}

// interleave builds the row-major backing of a matrix whose row i is
// the row i of a followed by the row i of b.
func interleave(a, b []float64, aCols, bCols int) []float64 {
	rows := len(a) / aCols
	out := make([]float64, 0, len(a)+len(b))
	for i := 0; i < rows; i++ {
		out = append(out, a[i*aCols:(i+1)*aCols]...)
		out = append(out, b[i*bCols:(i+1)*bCols]...)
	}
	return out
}

func cloneSlice(s []float64) []float64 {
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
