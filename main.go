// A demonstration of two CASE-TD3 agents learning on a toy point-mass
// task while recording their experience in a single shared replay
// buffer. Each agent learns from the combined experience, with the
// other agent's transitions reweighted by how far they fall from its
// own current policy.
package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/xiaogaogaoxiao/CASE/agent/casetd3"
	"github.com/xiaogaogaoxiao/CASE/expreplay"
)

const (
	stateDim  int     = 2
	actionDim int     = 2
	maxAction float64 = 1.0

	batchSize int = 64
	numAgents int = 2
	numSteps  int = 2000
)

// pointMass is a toy continuous-control task. The state is a position
// in the box [-1, 1]^2, actions displace the position, and the reward
// is the negative distance to the origin. An episode ends when the
// position is within 0.05 of the origin.
type pointMass struct {
	state   *mat.VecDense
	starter *distmv.Uniform
}

func newPointMass(seed uint64) *pointMass {
	bounds := make([]r1.Interval, stateDim)
	for i := range bounds {
		bounds[i] = r1.Interval{Min: -1.0, Max: 1.0}
	}
	starter := distmv.NewUniform(bounds, rand.NewSource(seed))

	env := &pointMass{starter: starter}
	env.reset()
	return env
}

func (p *pointMass) reset() {
	p.state = mat.NewVecDense(stateDim, p.starter.Rand(nil))
}

// step applies an action and returns the resulting transition
func (p *pointMass) step(action *mat.VecDense) (next *mat.VecDense,
	reward float64, done bool) {
	next = mat.NewVecDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		x := p.state.AtVec(i) + 0.1*action.AtVec(i)
		next.SetVec(i, math.Max(-1.0, math.Min(1.0, x)))
	}

	reward = -mat.Norm(next, 2)
	done = mat.Norm(next, 2) < 0.05

	if done {
		p.reset()
	} else {
		p.state = next
	}
	return next, reward, done
}

func newAgent(id int, seed uint64) (*casetd3.CASETD3, error) {
	config, err := casetd3.DefaultConfig(stateDim, actionDim, maxAction, id)
	if err != nil {
		return nil, err
	}
	config.BatchSize = batchSize
	config.HiddenSizes = []int{64, 64}

	return casetd3.New(config, seed)
}

func main() {
	var seed uint64 = 192382

	replay, err := expreplay.New(batchSize, 10000, stateDim, actionDim, seed)
	if err != nil {
		log.Fatalf("could not create replay buffer: %v", err)
	}

	agents := make([]*casetd3.CASETD3, numAgents)
	envs := make([]*pointMass, numAgents)
	for id := 0; id < numAgents; id++ {
		agents[id], err = newAgent(id, seed+uint64(id))
		if err != nil {
			log.Fatalf("could not create agent %v: %v", id, err)
		}
		envs[id] = newPointMass(seed + uint64(id))
	}

	// Exploration noise added to each agent's greedy actions
	explore := rand.New(rand.NewSource(seed))

	for step := 0; step < numSteps; step++ {
		for id, a := range agents {
			state := mat.VecDenseCopyOf(envs[id].state)

			action, err := a.SelectAction(state)
			if err != nil {
				log.Fatalf("agent %v could not select action: %v", id, err)
			}
			for i := 0; i < actionDim; i++ {
				noisy := action.AtVec(i) + 0.1*explore.NormFloat64()
				action.SetVec(i, math.Max(-maxAction,
					math.Min(maxAction, noisy)))
			}

			next, reward, done := envs[id].step(action)
			err = replay.Add(expreplay.Transition{
				State:     state,
				Action:    action,
				NextState: next,
				Reward:    reward,
				AgentID:   id,
				Done:      done,
			})
			if err != nil {
				log.Fatalf("could not record transition: %v", err)
			}
		}

		if replay.Capacity() < replay.MinCapacity() {
			continue
		}
		for id, a := range agents {
			if err := a.Update(replay, batchSize); err != nil {
				log.Fatalf("agent %v could not update: %v", id, err)
			}
		}

		if (step+1)%200 == 0 {
			fmt.Printf("step %v\n", step+1)
			for id, a := range agents {
				fmt.Printf("\tagent %v: critic loss %.4f, actor loss %.4f\n",
					id, a.CriticLoss(), a.ActorLoss())
			}
		}
	}

	// Checkpoint the first agent and restore it
	dir, err := os.MkdirTemp("", "casetd3")
	if err != nil {
		log.Fatalf("could not create checkpoint directory: %v", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "agent0")
	if err := agents[0].Save(prefix); err != nil {
		log.Fatalf("could not save agent 0: %v", err)
	}
	if err := agents[0].Load(prefix); err != nil {
		log.Fatalf("could not load agent 0: %v", err)
	}
	fmt.Printf("checkpointed and restored agent 0 at %v\n", prefix)
}
