package casetd3

import (
	"math"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	"github.com/xiaogaogaoxiao/CASE/expreplay"
	"github.com/xiaogaogaoxiao/CASE/reweight"
	"github.com/xiaogaogaoxiao/CASE/solver"
)

const (
	testStateDim  int     = 3
	testActionDim int     = 2
	testMaxAction float64 = 1.0
	testBatchSize int     = 6
)

// stubReplay returns the same batch on every sample
type stubReplay struct {
	batch expreplay.Batch
}

func (s stubReplay) Sample(batchSize int) (expreplay.Batch, error) {
	return s.batch, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	config, err := DefaultConfig(testStateDim, testActionDim, testMaxAction, 0)
	if err != nil {
		t.Fatalf("could not create configuration: %v", err)
	}

	config.BatchSize = testBatchSize
	config.HiddenSizes = []int{8, 8}
	config.ActorSolver, err = solver.NewDefaultAdam(DefaultStepSize,
		testBatchSize)
	if err != nil {
		t.Fatalf("could not create actor solver: %v", err)
	}
	config.CriticSolver, err = solver.NewDefaultAdam(DefaultStepSize,
		testBatchSize)
	if err != nil {
		t.Fatalf("could not create critic solver: %v", err)
	}
	return config
}

func testAgent(t *testing.T, config Config, seed uint64) *CASETD3 {
	t.Helper()
	a, err := New(config, seed)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	return a
}

// testBatch returns a batch of random transitions tagged with the
// given agent IDs
func testBatch(t *testing.T, seed uint64, agentIDs []int) expreplay.Batch {
	t.Helper()
	if len(agentIDs) != testBatchSize {
		t.Fatalf("got %v agent IDs, expected %v", len(agentIDs),
			testBatchSize)
	}

	rng := rand.New(rand.NewSource(seed))
	uniform := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = rng.Float64()*2 - 1
		}
		return out
	}

	return expreplay.Batch{
		States:     uniform(testBatchSize * testStateDim),
		Actions:    uniform(testBatchSize * testActionDim),
		NextStates: uniform(testBatchSize * testStateDim),
		Rewards:    uniform(testBatchSize),
		NotDones:   []float64{1, 1, 1, 1, 1, 1},
		AgentIDs:   append([]int{}, agentIDs...),
	}
}

func selfIDs() []int {
	return []int{0, 0, 0, 0, 0, 0}
}

func paramsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// firstOf returns a copy of the first learnable in a set of parameter
// nodes
func firstOf(t *testing.T, nodes G.Nodes) []float64 {
	t.Helper()
	data, err := valueData(nodes[0].Value())
	if err != nil {
		t.Fatalf("could not read parameters: %v", err)
	}
	return cloneSlice(data)
}

func TestSelectActionBounds(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)

	rng := rand.New(rand.NewSource(41))
	for trial := 0; trial < 10; trial++ {
		state := mat.NewVecDense(testStateDim, nil)
		for i := 0; i < testStateDim; i++ {
			state.SetVec(i, rng.Float64()*20-10)
		}

		action, err := a.SelectAction(state)
		if err != nil {
			t.Fatalf("could not select action: %v", err)
		}
		if action.Len() != testActionDim {
			t.Fatalf("got action dimension %v, expected %v", action.Len(),
				testActionDim)
		}
		for i := 0; i < testActionDim; i++ {
			if math.Abs(action.AtVec(i)) > testMaxAction {
				t.Errorf("action coordinate %v is %v, outside [-%v, %v]", i,
					action.AtVec(i), testMaxAction, testMaxAction)
			}
		}
	}

	_, err := a.SelectAction(mat.NewVecDense(testStateDim+1, nil))
	if err == nil {
		t.Error("expected an error for a wrongly sized state")
	}
}

func TestUpdateRejectsWrongBatchSize(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)
	replay := stubReplay{batch: testBatch(t, 3, selfIDs())}

	if err := a.Update(replay, testBatchSize+1); err == nil {
		t.Error("expected an error for a mismatched batch size")
	}
}

// TestUpdateCadence checks that across consecutive calls the critic is
// updated on every call while the actor and the target networks are
// updated only on every PolicyFreq-th call.
func TestUpdateCadence(t *testing.T) {
	config := testConfig(t)
	if config.PolicyFreq != 2 {
		t.Fatalf("got default policy frequency %v, expected 2",
			config.PolicyFreq)
	}
	a := testAgent(t, config, 17)
	replay := stubReplay{batch: testBatch(t, 3, selfIDs())}

	actor := firstOf(t, a.actor.Learnables())
	critic := firstOf(t, a.critic.Learnables())
	target := firstOf(t, a.targetActor.Learnables())

	if !math.IsNaN(a.ActorLoss()) {
		t.Error("actor loss reported before any actor update")
	}

	for step := 1; step <= 2*config.PolicyFreq; step++ {
		if err := a.Update(replay, testBatchSize); err != nil {
			t.Fatalf("could not update at step %v: %v", step, err)
		}

		if math.IsNaN(a.CriticLoss()) {
			t.Errorf("step %v: critic loss is NaN", step)
		}
		newCritic := firstOf(t, a.critic.Learnables())
		if paramsEqual(critic, newCritic) {
			t.Errorf("step %v: critic unchanged", step)
		}
		critic = newCritic

		newActor := firstOf(t, a.actor.Learnables())
		newTarget := firstOf(t, a.targetActor.Learnables())
		if step%config.PolicyFreq == 0 {
			if math.IsNaN(a.ActorLoss()) {
				t.Errorf("step %v: actor loss is NaN after a policy update",
					step)
			}
			if paramsEqual(actor, newActor) {
				t.Errorf("step %v: actor unchanged by a policy update", step)
			}
			if paramsEqual(target, newTarget) {
				t.Errorf("step %v: target actor unchanged by a policy "+
					"update", step)
			}
		} else {
			if !paramsEqual(actor, newActor) {
				t.Errorf("step %v: actor changed on a non-policy update",
					step)
			}
			if !paramsEqual(target, newTarget) {
				t.Errorf("step %v: target actor changed on a non-policy "+
					"update", step)
			}
		}
		actor, target = newActor, newTarget
	}
}

func TestTrustWeightsSelfOnly(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)
	batch := testBatch(t, 3, selfIDs())

	weights := a.trustWeights(batch)
	for i, w := range weights {
		if w != 1.0 {
			t.Errorf("weight %v is %v, expected 1 for the agent's own "+
				"transitions", i, w)
		}
	}
}

// TestTrustWeightsExternal checks that all external transitions share
// a single weight, computed by the agent's reweighter from the action
// residuals of the external rows, while the agent's own transitions
// keep weight 1.
func TestTrustWeightsExternal(t *testing.T) {
	config := testConfig(t)
	a := testAgent(t, config, 17)

	extRows := []int{1, 2, 3, 5}
	batch := testBatch(t, 3, []int{0, 1, 1, 1, 0, 1})

	policyActs, err := a.policyActions(batch.States)
	if err != nil {
		t.Fatalf("could not compute policy actions: %v", err)
	}

	// Full-rank residual pattern on the external rows
	residuals := [][]float64{
		{0.3, 0}, {-0.3, 0}, {0, 0.6}, {0, -0.6},
	}
	for r, i := range extRows {
		for j := 0; j < testActionDim; j++ {
			batch.Actions[i*testActionDim+j] =
				policyActs[i*testActionDim+j] + residuals[r][j]
		}
	}

	weights := a.trustWeights(batch)
	if weights[0] != 1.0 || weights[4] != 1.0 {
		t.Errorf("own transitions reweighted: got %v and %v, expected 1",
			weights[0], weights[4])
	}

	reweighter, err := reweight.New(testActionDim, config.KLDivVar)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}
	want, reason := reweighter.Weight(mat.NewDense(4, testActionDim,
		[]float64{
			0.3, 0,
			-0.3, 0,
			0, 0.6,
			0, -0.6,
		}))
	if reason != reweight.OK {
		t.Fatalf("got reason %v, expected %v", reason, reweight.OK)
	}

	for _, i := range extRows {
		if math.Abs(weights[i]-want) > 1e-9 {
			t.Errorf("external weight %v is %v, expected %v", i, weights[i],
				want)
		}
	}
}

// TestTrustWeightsDegenerateResiduals checks that external transitions
// whose residuals cannot support a distribution fit get zero weight.
func TestTrustWeightsDegenerateResiduals(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)
	batch := testBatch(t, 3, []int{0, 1, 1, 1, 0, 1})

	// Stored external actions exactly match the current policy, so all
	// residuals are zero and the covariance is singular
	policyActs, err := a.policyActions(batch.States)
	if err != nil {
		t.Fatalf("could not compute policy actions: %v", err)
	}
	copy(batch.Actions, policyActs)

	weights := a.trustWeights(batch)
	for i, id := range batch.AgentIDs {
		want := 1.0
		if id != 0 {
			want = 0.0
		}
		if weights[i] != want {
			t.Errorf("weight %v is %v, expected %v", i, weights[i], want)
		}
	}
}

// TestBootstrapTargetsTerminal checks that terminal transitions are
// not bootstrapped.
func TestBootstrapTargetsTerminal(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)
	batch := testBatch(t, 3, selfIDs())
	for i := range batch.NotDones {
		batch.NotDones[i] = 0
	}

	targets, err := a.bootstrapTargets(batch)
	if err != nil {
		t.Fatalf("could not compute targets: %v", err)
	}
	for i := range targets {
		if targets[i] != batch.Rewards[i] {
			t.Errorf("target %v is %v, expected the raw reward %v", i,
				targets[i], batch.Rewards[i])
		}
	}
}

// TestBootstrapTargets checks the target computation against a manual
// run of the target networks, with target policy smoothing disabled so
// the computation is deterministic.
func TestBootstrapTargets(t *testing.T) {
	config := testConfig(t)
	config.PolicyNoise = 0
	a := testAgent(t, config, 17)
	batch := testBatch(t, 3, selfIDs())

	got, err := a.bootstrapTargets(batch)
	if err != nil {
		t.Fatalf("could not compute targets: %v", err)
	}

	// Manual run of the same target networks
	err = a.targetActor.SetInput(cloneSlice(batch.NextStates))
	if err != nil {
		t.Fatalf("could not set target actor input: %v", err)
	}
	if err := a.targetActorVM.RunAll(); err != nil {
		t.Fatalf("could not run target actor: %v", err)
	}
	nextActions, err := valueData(a.targetActor.Output()[0])
	if err != nil {
		t.Fatalf("could not read target actions: %v", err)
	}
	nextActions = cloneSlice(nextActions)
	a.targetActorVM.Reset()

	err = a.targetCritic.SetInput(interleave(batch.NextStates, nextActions,
		testStateDim, testActionDim))
	if err != nil {
		t.Fatalf("could not set target critic input: %v", err)
	}
	if err := a.targetCriticVM.RunAll(); err != nil {
		t.Fatalf("could not run target critic: %v", err)
	}
	q1, err := valueData(a.targetCritic.Output()[0])
	if err != nil {
		t.Fatalf("could not read target values: %v", err)
	}
	q1 = cloneSlice(q1)
	q2, err := valueData(a.targetCritic.Output()[1])
	if err != nil {
		t.Fatalf("could not read target values: %v", err)
	}
	q2 = cloneSlice(q2)
	a.targetCriticVM.Reset()

	for i := range got {
		want := batch.Rewards[i] + a.discount*math.Min(q1[i], q2[i])
		if math.Abs(got[i]-want) > 1e-12 {
			t.Errorf("target %v is %v, expected %v", i, got[i], want)
		}
	}
}

// TestUpdateEndToEnd runs several updates on shared experience and
// checks that learning stays numerically sane.
func TestUpdateEndToEnd(t *testing.T) {
	a := testAgent(t, testConfig(t), 17)

	for step := 0; step < 10; step++ {
		replay := stubReplay{
			batch: testBatch(t, uint64(step), []int{0, 1, 0, 1, 1, 1}),
		}
		if err := a.Update(replay, testBatchSize); err != nil {
			t.Fatalf("could not update at step %v: %v", step, err)
		}

		if loss := a.CriticLoss(); math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("critic loss is %v at step %v", loss, step)
		}
	}
	if loss := a.ActorLoss(); math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("actor loss is %v after updating", loss)
	}

	action, err := a.SelectAction(mat.NewVecDense(testStateDim,
		[]float64{0.1, -0.2, 0.3}))
	if err != nil {
		t.Fatalf("could not select action after updating: %v", err)
	}
	for i := 0; i < testActionDim; i++ {
		if math.Abs(action.AtVec(i)) > testMaxAction {
			t.Errorf("action coordinate %v is %v after updating, outside "+
				"[-%v, %v]", i, action.AtVec(i), testMaxAction, testMaxAction)
		}
	}
}

// TestSaveLoad checks that a checkpoint restores the exact learned
// parameters into another agent with the same architecture.
func TestSaveLoad(t *testing.T) {
	config := testConfig(t)
	trained := testAgent(t, config, 17)
	restored := testAgent(t, config, 43)

	replay := stubReplay{batch: testBatch(t, 3, []int{0, 1, 0, 1, 1, 1})}
	for step := 0; step < 4; step++ {
		if err := trained.Update(replay, testBatchSize); err != nil {
			t.Fatalf("could not update at step %v: %v", step, err)
		}
	}

	prefix := filepath.Join(t.TempDir(), "checkpoint")
	if err := trained.Save(prefix); err != nil {
		t.Fatalf("could not save: %v", err)
	}
	if err := restored.Load(prefix); err != nil {
		t.Fatalf("could not load: %v", err)
	}

	compare := func(name string, want, got []float64) {
		if !paramsEqual(want, got) {
			t.Errorf("%v parameters differ after a load", name)
		}
	}

	trainedActor := trained.actor.Learnables()
	restoredActor := restored.actor.Learnables()
	for i := range trainedActor {
		want, err := valueData(trainedActor[i].Value())
		if err != nil {
			t.Fatalf("could not read parameters: %v", err)
		}
		got, err := valueData(restoredActor[i].Value())
		if err != nil {
			t.Fatalf("could not read parameters: %v", err)
		}
		compare("actor", want, got)
	}

	trainedCritic := trained.critic.Learnables()
	restoredCritic := restored.critic.Learnables()
	for i := range trainedCritic {
		want, err := valueData(trainedCritic[i].Value())
		if err != nil {
			t.Fatalf("could not read parameters: %v", err)
		}
		got, err := valueData(restoredCritic[i].Value())
		if err != nil {
			t.Fatalf("could not read parameters: %v", err)
		}
		compare("critic", want, got)
	}

	// The restored agent acts exactly like the trained one
	state := mat.NewVecDense(testStateDim, []float64{0.4, -0.1, 0.9})
	wantAction, err := trained.SelectAction(state)
	if err != nil {
		t.Fatalf("could not select action: %v", err)
	}
	gotAction, err := restored.SelectAction(state)
	if err != nil {
		t.Fatalf("could not select action: %v", err)
	}
	for i := 0; i < testActionDim; i++ {
		if wantAction.AtVec(i) != gotAction.AtVec(i) {
			t.Errorf("action coordinate %v: got %v, expected %v", i,
				gotAction.AtVec(i), wantAction.AtVec(i))
		}
	}
}

func TestConfigValidate(t *testing.T) {
	base := testConfig(t)

	invalid := []func(Config) Config{
		func(c Config) Config { c.StateDim = 0; return c },
		func(c Config) Config { c.ActionDim = -1; return c },
		func(c Config) Config { c.MaxAction = 0; return c },
		func(c Config) Config { c.AgentID = -1; return c },
		func(c Config) Config { c.Device = "cuda"; return c },
		func(c Config) Config { c.BatchSize = 0; return c },
		func(c Config) Config { c.Discount = 1.5; return c },
		func(c Config) Config { c.Tau = -0.1; return c },
		func(c Config) Config { c.PolicyNoise = -1; return c },
		func(c Config) Config { c.NoiseClip = -1; return c },
		func(c Config) Config { c.PolicyFreq = 0; return c },
		func(c Config) Config { c.KLDivVar = 0; return c },
		func(c Config) Config { c.HiddenSizes = nil; return c },
		func(c Config) Config { c.HiddenSizes = []int{8, 0}; return c },
		func(c Config) Config { c.InitWFn = nil; return c },
		func(c Config) Config { c.ActorSolver = nil; return c },
	}
	for i, mutate := range invalid {
		if err := mutate(base).Validate(); err == nil {
			t.Errorf("mutation %v: expected a validation error", i)
		}
	}

	if err := base.Validate(); err != nil {
		t.Errorf("valid configuration rejected: %v", err)
	}
}
