// Package network implements the feed-forward function approximators
// used by the agent: a bounded-output MLP for deterministic policies
// and a twin-headed MLP for state-action value estimation. Networks
// are built on Gorgonia computational graphs; the caller owns the
// virtual machines that run them.
package network

import (
	"encoding/gob"
	"fmt"
	"io"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NeuralNet is a feed-forward neural network on a Gorgonia graph.
//
// A NeuralNet owns its input node and its parameter (learnable) nodes.
// The forward pass is added to the graph at construction time, so a
// network is always tied to a fixed batch size. CloneWithBatch creates
// an independent copy of the network, with the same parameter values
// but separate parameter storage, on a fresh graph.
type NeuralNet interface {
	// Graph returns the computational graph the network was built on
	Graph() *G.ExprGraph

	// CloneWithBatch clones the network onto a new graph with a new
	// input batch size. Parameter values are copied, not aliased.
	CloneWithBatch(int) (NeuralNet, error)

	// BatchSize returns the batch size of inputs to the network
	BatchSize() int

	// Features returns the number of features in a single input vector
	Features() int

	// Outputs returns the number of values predicted per input vector
	Outputs() int

	// Input returns the network's input node
	Input() *G.Node

	// SetInput sets the value of the input node before the network's
	// graph is run. The input is given in row-major order with one
	// row per batch element.
	SetInput([]float64) error

	// Learnables returns the network's parameter nodes
	Learnables() G.Nodes

	// Model returns the parameter nodes with their gradients
	Model() []G.ValueGrad

	// Output returns the value of each prediction node after the
	// network's graph has been run
	Output() []G.Value

	// Prediction returns the graph nodes holding the network's
	// predictions
	Prediction() []*G.Node
}

// TwinNet is a NeuralNet with two structurally identical but
// independently parameterized prediction heads.
type TwinNet interface {
	NeuralNet

	// Head returns the parameter nodes of head i only
	Head(i int) G.Nodes

	// FirstHead clones the first head onto the graph of the given
	// input node, so that a loss on another network's graph can
	// backpropagate through a frozen copy of the head. The clone's
	// parameters are separate storage and must be kept in sync with
	// Head(0) via SetLearnables.
	FirstHead(input *G.Node) (NeuralNet, error)
}

// Set copies the parameter values of src into dst. The networks must
// have identical architectures.
func Set(dst, src NeuralNet) error {
	return SetLearnables(dst.Learnables(), src.Learnables())
}

// SetLearnables copies the values of the src parameter nodes into the
// dst parameter nodes. No storage is aliased: dst receives clones.
func SetLearnables(dst, src G.Nodes) error {
	if len(dst) != len(src) {
		return fmt.Errorf("setlearnables: parameter count mismatch "+
			"\n\twant(%v)\n\thave(%v)", len(dst), len(src))
	}

	for i := range dst {
		value, ok := src[i].Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("setlearnables: parameter %v is not a dense "+
				"tensor", i)
		}
		if !dst[i].Shape().Eq(value.Shape()) {
			return fmt.Errorf("setlearnables: shape mismatch for parameter "+
				"%v \n\twant(%v)\n\thave(%v)", i, dst[i].Shape(), value.Shape())
		}

		err := G.Let(dst[i], value.Clone().(*tensor.Dense))
		if err != nil {
			return fmt.Errorf("setlearnables: could not set parameter %v: %v",
				i, err)
		}
	}
	return nil
}

// Polyak sets the parameters of dst to an exponential average between
// its existing parameters and the parameters of src:
//
//	dst ← tau*src + (1-tau)*dst
func Polyak(dst, src NeuralNet, tau float64) error {
	dstNodes := dst.Learnables()
	srcNodes := src.Learnables()
	if len(dstNodes) != len(srcNodes) {
		return fmt.Errorf("polyak: parameter count mismatch \n\twant(%v)"+
			"\n\thave(%v)", len(dstNodes), len(srcNodes))
	}

	for i := range dstNodes {
		weights := dstNodes[i].Value().(*tensor.Dense)
		sourceWeights := srcNodes[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return fmt.Errorf("polyak: could not scale parameter %v: %v", i,
				err)
		}

		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return fmt.Errorf("polyak: could not scale source parameter "+
				"%v: %v", i, err)
		}

		newWeights, err := weights.Add(sourceWeights)
		if err != nil {
			return fmt.Errorf("polyak: could not average parameter %v: %v",
				i, err)
		}

		if err := G.Let(dstNodes[i], newWeights); err != nil {
			return fmt.Errorf("polyak: could not set parameter %v: %v", i, err)
		}
	}
	return nil
}

// Write gob-encodes a network's architecture and parameter values to w.
// Networks written with Write are read back with ReadBoundedMLP or
// ReadTwinMLP, depending on their kind.
func Write(w io.Writer, net NeuralNet) error {
	enc := gob.NewEncoder(w)
	switch n := net.(type) {
	case *boundedMLP:
		return enc.Encode(n)
	case *twinMLP:
		return enc.Encode(n)
	default:
		return fmt.Errorf("write: cannot persist network of type %T", net)
	}
}

// tensorData returns the value of a node or tensor as a flat []float64.
// Single-element values may be reported by the tensor package as plain
// scalars, so both representations are accepted.
func tensorData(v G.Value) ([]float64, error) {
	switch data := v.Data().(type) {
	case []float64:
		return data, nil
	case float64:
		return []float64{data}, nil
	default:
		return nil, fmt.Errorf("tensordata: unsupported element type %T", data)
	}
}
