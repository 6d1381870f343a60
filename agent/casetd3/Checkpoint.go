package casetd3

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xiaogaogaoxiao/CASE/network"
	"github.com/xiaogaogaoxiao/CASE/solver"
)

// Suffixes of the files a checkpoint is stored across
const (
	actorSuffix        string = "_actor"
	actorSolverSuffix  string = "_actor_optimizer"
	criticSuffix       string = "_critic"
	criticSolverSuffix string = "_critic_optimizer"
)

// Save stores the agent's learned parameters in four files named by
// appending fixed suffixes to filePrefix: the actor network, the
// critic network, and the two solver configurations.
//
// Target networks are not stored: Load rebuilds them as exact copies
// of the loaded live networks.
func (c *CASETD3) Save(filePrefix string) error {
	if err := saveNet(filePrefix+actorSuffix, c.actor); err != nil {
		return fmt.Errorf("save: could not save actor: %v", err)
	}
	if err := saveNet(filePrefix+criticSuffix, c.critic); err != nil {
		return fmt.Errorf("save: could not save critic: %v", err)
	}
	if err := saveSolver(filePrefix+actorSolverSuffix, c.actorSolver); err !=
		nil {
		return fmt.Errorf("save: could not save actor solver: %v", err)
	}
	err := saveSolver(filePrefix+criticSolverSuffix, c.criticSolver)
	if err != nil {
		return fmt.Errorf("save: could not save critic solver: %v", err)
	}
	return nil
}

// Load restores the agent's learned parameters from a checkpoint
// written by Save with the same filePrefix. The checkpointed networks
// must have the same architecture as the agent's.
//
// After a Load, the target, behaviour, and residual networks are exact
// copies of the loaded networks, and the solvers carry the
// checkpointed hyperparameters with freshly initialized internal
// state.
func (c *CASETD3) Load(filePrefix string) error {
	actorFile, err := os.Open(filePrefix + actorSuffix)
	if err != nil {
		return fmt.Errorf("load: could not open actor checkpoint: %v", err)
	}
	defer actorFile.Close()
	actor, err := network.ReadBoundedMLP(actorFile)
	if err != nil {
		return fmt.Errorf("load: could not read actor: %v", err)
	}
	if actor.Features() != c.stateDim || actor.Outputs() != c.actionDim {
		return fmt.Errorf("load: checkpointed actor has wrong dimensions "+
			"\n\twant(%v -> %v)\n\thave(%v -> %v)", c.stateDim, c.actionDim,
			actor.Features(), actor.Outputs())
	}

	criticFile, err := os.Open(filePrefix + criticSuffix)
	if err != nil {
		return fmt.Errorf("load: could not open critic checkpoint: %v", err)
	}
	defer criticFile.Close()
	critic, err := network.ReadTwinMLP(criticFile)
	if err != nil {
		return fmt.Errorf("load: could not read critic: %v", err)
	}
	if critic.Features() != c.stateDim+c.actionDim {
		return fmt.Errorf("load: checkpointed critic has wrong dimensions "+
			"\n\twant(%v)\n\thave(%v)", c.stateDim+c.actionDim,
			critic.Features())
	}

	actorSolver, err := loadSolver(filePrefix + actorSolverSuffix)
	if err != nil {
		return fmt.Errorf("load: could not read actor solver: %v", err)
	}
	criticSolver, err := loadSolver(filePrefix + criticSolverSuffix)
	if err != nil {
		return fmt.Errorf("load: could not read critic solver: %v", err)
	}

	// All files read successfully, so the agent can be mutated
	if err := network.Set(c.actor, actor); err != nil {
		return fmt.Errorf("load: could not set actor parameters: %v", err)
	}
	if err := network.Set(c.critic, critic); err != nil {
		return fmt.Errorf("load: could not set critic parameters: %v", err)
	}

	if err := network.Set(c.behaviour, c.actor); err != nil {
		return fmt.Errorf("load: could not set behaviour policy: %v", err)
	}
	if err := network.Set(c.residual, c.actor); err != nil {
		return fmt.Errorf("load: could not set residual policy: %v", err)
	}
	if err := network.Set(c.targetActor, c.actor); err != nil {
		return fmt.Errorf("load: could not set target actor: %v", err)
	}
	if err := network.Set(c.targetCritic, c.critic); err != nil {
		return fmt.Errorf("load: could not set target critic: %v", err)
	}
	err = network.SetLearnables(c.actorCritic.Learnables(), c.critic.Head(0))
	if err != nil {
		return fmt.Errorf("load: could not refresh critic head in actor "+
			"graph: %v", err)
	}

	c.actorSolver = actorSolver
	c.criticSolver = criticSolver
	return nil
}

// saveNet gob-encodes a network to the named file
func saveNet(filename string, net network.NeuralNet) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return network.Write(file, net)
}

// saveSolver JSON-encodes a solver's configuration to the named file
func saveSolver(filename string, s *solver.Solver) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// loadSolver reads a JSON-encoded solver configuration from the named
// file
func loadSolver(filename string) (*solver.Solver, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	s := new(solver.Solver)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}
