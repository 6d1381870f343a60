// Package agent defines the interfaces satisfied by learning agents
package agent

import (
	"gonum.org/v1/gonum/mat"

	"github.com/xiaogaogaoxiao/CASE/expreplay"
)

// ReplayBuffer is the view of an experience replay buffer that a
// Learner needs to update from: the ability to sample a batch of
// stored transitions.
type ReplayBuffer interface {
	Sample(batchSize int) (expreplay.Batch, error)
}

// Policy selects actions given environment states
type Policy interface {
	// SelectAction returns the action to take in the argument state
	SelectAction(state *mat.VecDense) (*mat.VecDense, error)
}

// Learner updates itself from batches of replayed experience
type Learner interface {
	// Update performs a single learning step from a batch of
	// batchSize transitions sampled from the argument buffer
	Update(replay ReplayBuffer, batchSize int) error
}

// Checkpointer saves and restores learned parameters. The filePrefix
// argument is a path prefix to which fixed suffixes are appended to
// name the individual checkpoint files.
type Checkpointer interface {
	Save(filePrefix string) error
	Load(filePrefix string) error
}

// Agent is a complete learning agent: it selects actions, learns from
// replayed experience, and can be checkpointed.
type Agent interface {
	Policy
	Learner
	Checkpointer
}
