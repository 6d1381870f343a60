// Package expreplay implements an experience replay buffer that stores
// transitions generated by several cooperating agents, tagged with the
// identity of the generating agent, and samples them uniformly with
// replacement.
package expreplay

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Transition is a single environment step recorded by some agent. A
// Transition is immutable once added to a buffer: the buffer copies
// its data.
type Transition struct {
	State     *mat.VecDense
	Action    *mat.VecDense
	NextState *mat.VecDense
	Reward    float64
	AgentID   int
	Done      bool
}

// Batch is a fixed-size sample of transitions materialized as parallel
// slices. States, Actions, and NextStates hold one row per transition
// in row-major order. Batches are ephemeral: they are created per
// sample call and reuse no storage with the buffer.
type Batch struct {
	States     []float64
	Actions    []float64
	NextStates []float64
	Rewards    []float64
	NotDones   []float64
	AgentIDs   []int
}

// Size returns the number of transitions in the Batch
func (b Batch) Size() int {
	return len(b.Rewards)
}

// ExperienceReplayer implements an experience replay buffer of
// agent-tagged transitions
type ExperienceReplayer interface {
	// Add adds a transition to the buffer, evicting the oldest stored
	// transition if the buffer is full
	Add(t Transition) error

	// Sample samples batchSize transitions uniformly with replacement
	// from the buffer
	Sample(batchSize int) (Batch, error)

	// Capacity returns the current number of samples in the buffer
	Capacity() int

	// MaxCapacity returns the maximum allowable samples in the buffer
	MaxCapacity() int

	// MinCapacity returns the number of samples required to be in the
	// buffer before the buffer can be sampled
	MinCapacity() int
}

// cache implements a concrete ExperienceReplayer as a ring of parallel
// backing slices, removing the oldest transition first when full
type cache struct {
	stateCache     []float64
	actionCache    []float64
	nextStateCache []float64
	rewardCache    []float64
	notDoneCache   []float64
	agentIDCache   []int

	// next is the ring index at which the next transition is stored
	next int
	size int

	minCapacity int
	maxCapacity int
	featureSize int
	actionSize  int

	rng *rand.Rand
}

// New creates and returns a new ExperienceReplayer. The featureSize
// and actionSize parameters define the size of the state and action
// vectors of every stored transition. Sampling is uniform with
// replacement across all stored transitions from all agents, and is
// refused until minCapacity transitions have been stored.
func New(minCapacity, maxCapacity, featureSize, actionSize int,
	seed uint64) (ExperienceReplayer, error) {
	if minCapacity <= 0 {
		return nil, fmt.Errorf("new: minCapacity must be > 0")
	}
	if maxCapacity < minCapacity {
		return nil, fmt.Errorf("new: cannot have minCapacity (%v) > "+
			"maxCapacity (%v)", minCapacity, maxCapacity)
	}
	if featureSize <= 0 || actionSize <= 0 {
		return nil, fmt.Errorf("new: feature and action sizes must be > 0")
	}

	return &cache{
		stateCache:     make([]float64, maxCapacity*featureSize),
		actionCache:    make([]float64, maxCapacity*actionSize),
		nextStateCache: make([]float64, maxCapacity*featureSize),
		rewardCache:    make([]float64, maxCapacity),
		notDoneCache:   make([]float64, maxCapacity),
		agentIDCache:   make([]int, maxCapacity),

		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		featureSize: featureSize,
		actionSize:  actionSize,

		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Add adds a transition to the cache, overwriting the oldest stored
// transition when the cache is full
func (c *cache) Add(t Transition) error {
	if t.State.Len() != c.featureSize || t.NextState.Len() != c.featureSize {
		return fmt.Errorf("add: invalid feature size \n\twant(%v)"+
			"\n\thave(%v)", c.featureSize, t.State.Len())
	}
	if t.Action.Len() != c.actionSize {
		return fmt.Errorf("add: invalid action size \n\twant(%v)"+
			"\n\thave(%v)", c.actionSize, t.Action.Len())
	}

	index := c.next
	stateInd := index * c.featureSize
	copy(c.stateCache[stateInd:stateInd+c.featureSize],
		t.State.RawVector().Data)
	copy(c.nextStateCache[stateInd:stateInd+c.featureSize],
		t.NextState.RawVector().Data)

	actionInd := index * c.actionSize
	copy(c.actionCache[actionInd:actionInd+c.actionSize],
		t.Action.RawVector().Data)

	c.rewardCache[index] = t.Reward
	c.agentIDCache[index] = t.AgentID
	if t.Done {
		c.notDoneCache[index] = 0.0
	} else {
		c.notDoneCache[index] = 1.0
	}

	c.next = (c.next + 1) % c.maxCapacity
	if c.size < c.maxCapacity {
		c.size++
	}
	return nil
}

// Sample samples and returns a batch of transitions from the replay
// buffer, uniformly with replacement
func (c *cache) Sample(batchSize int) (Batch, error) {
	if batchSize <= 0 {
		return Batch{}, fmt.Errorf("sample: batch size must be > 0")
	}
	if c.size == 0 {
		return Batch{}, &ExpReplayError{Op: "sample", Err: errEmptyCache}
	}
	if c.size < c.minCapacity {
		return Batch{}, &ExpReplayError{
			Op:  "sample",
			Err: errInsufficientSamples,
		}
	}

	batch := Batch{
		States:     make([]float64, batchSize*c.featureSize),
		Actions:    make([]float64, batchSize*c.actionSize),
		NextStates: make([]float64, batchSize*c.featureSize),
		Rewards:    make([]float64, batchSize),
		NotDones:   make([]float64, batchSize),
		AgentIDs:   make([]int, batchSize),
	}

	for i := 0; i < batchSize; i++ {
		index := c.rng.Intn(c.size)

		batchStart := i * c.featureSize
		expStart := index * c.featureSize
		copy(batch.States[batchStart:batchStart+c.featureSize],
			c.stateCache[expStart:expStart+c.featureSize])
		copy(batch.NextStates[batchStart:batchStart+c.featureSize],
			c.nextStateCache[expStart:expStart+c.featureSize])

		batchStart = i * c.actionSize
		expStart = index * c.actionSize
		copy(batch.Actions[batchStart:batchStart+c.actionSize],
			c.actionCache[expStart:expStart+c.actionSize])

		batch.Rewards[i] = c.rewardCache[index]
		batch.NotDones[i] = c.notDoneCache[index]
		batch.AgentIDs[i] = c.agentIDCache[index]
	}

	return batch, nil
}

// Capacity returns the current number of elements in the cache that
// are available for sampling
func (c *cache) Capacity() int {
	return c.size
}

// MaxCapacity returns the maximum number of elements that are allowed
// in the cache
func (c *cache) MaxCapacity() int {
	return c.maxCapacity
}

// MinCapacity returns the minimum number of elements required in the
// cache before sampling is allowed
func (c *cache) MinCapacity() int {
	return c.minCapacity
}

// String returns the string representation of the cache
func (c *cache) String() string {
	return fmt.Sprintf("ExperienceReplayer with %v/%v transitions", c.size,
		c.maxCapacity)
}
