package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Layer is a single layer of a feed-forward neural network
type Layer interface {
	fwd(*G.Node) (*G.Node, error)
	CloneTo(g *G.ExprGraph) Layer
	Weights() *G.Node
	Bias() *G.Node
	Activation() *Activation
}

// fcLayer implements a fully connected layer of a feed-forward neural
// network
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	if f.weights != nil {
		x = G.Must(G.Mul(x, f.weights))
	}
	if f.bias != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		x = G.Must(G.BroadcastAdd(x, f.bias, nil, []byte{0}))
	}
	if f.act == nil || f.act.IsIdentity() {
		return x, nil
	}
	return f.act.fwd(x)
}

// CloneTo clones an fcLayer to a new computational graph. The clone's
// parameter nodes carry the current parameter values but use separate
// storage.
func (f *fcLayer) CloneTo(g *G.ExprGraph) Layer {
	var newWeights, newBias *G.Node

	if f.weights != nil {
		newWeights = f.weights.CloneTo(g)
	}
	if f.bias != nil {
		newBias = f.bias.CloneTo(g)
	}

	return &fcLayer{
		weights: newWeights,
		bias:    newBias,
		act:     f.act,
	}
}

func (f *fcLayer) Activation() *Activation {
	return f.act
}

func (f *fcLayer) Bias() *G.Node {
	return f.bias
}

func (f *fcLayer) Weights() *G.Node {
	return f.weights
}

// GobEncode implements the gob.GobEncoder interface. Only parameter
// values are encoded; the layer's place in a network is reconstructed
// by the owning network's decoder.
func (f *fcLayer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	weights, err := tensorData(f.weights.Value())
	if err != nil {
		return nil, fmt.Errorf("gobencode: could not read weights: %v", err)
	}
	if err := enc.Encode([]int(f.weights.Shape())); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weight shape")
	}
	if err := enc.Encode(weights); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weights")
	}

	hasBias := f.bias != nil
	if err := enc.Encode(hasBias); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode bias flag")
	}
	if hasBias {
		bias, err := tensorData(f.bias.Value())
		if err != nil {
			return nil, fmt.Errorf("gobencode: could not read bias: %v", err)
		}
		if err := enc.Encode(bias); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode bias")
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The layer must
// already exist on a graph with the encoded architecture; only the
// parameter values are replaced.
func (f *fcLayer) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))

	var shape []int
	if err := dec.Decode(&shape); err != nil {
		return fmt.Errorf("gobdecode: could not decode weight shape: %v", err)
	}
	var weights []float64
	if err := dec.Decode(&weights); err != nil {
		return fmt.Errorf("gobdecode: could not decode weights: %v", err)
	}
	if !f.weights.Shape().Eq(tensor.Shape(shape)) {
		return fmt.Errorf("gobdecode: weight shape mismatch \n\twant(%v)"+
			"\n\thave(%v)", f.weights.Shape(), tensor.Shape(shape))
	}
	err := G.Let(f.weights, tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(weights),
	))
	if err != nil {
		return fmt.Errorf("gobdecode: could not set weights: %v", err)
	}

	var hasBias bool
	if err := dec.Decode(&hasBias); err != nil {
		return fmt.Errorf("gobdecode: could not decode bias flag: %v", err)
	}
	if hasBias != (f.bias != nil) {
		return fmt.Errorf("gobdecode: bias mismatch \n\twant(%v)\n\thave(%v)",
			f.bias != nil, hasBias)
	}
	if hasBias {
		var bias []float64
		if err := dec.Decode(&bias); err != nil {
			return fmt.Errorf("gobdecode: could not decode bias: %v", err)
		}
		if len(bias) != f.bias.Shape()[0] {
			return fmt.Errorf("gobdecode: bias length mismatch \n\twant(%v)"+
				"\n\thave(%v)", f.bias.Shape()[0], len(bias))
		}
		err := G.Let(f.bias, tensor.New(
			tensor.WithShape(len(bias)),
			tensor.WithBacking(bias),
		))
		if err != nil {
			return fmt.Errorf("gobdecode: could not set bias: %v", err)
		}
	}

	return nil
}

// addLayers creates a stack of fully connected layers on g. Layer i
// maps its predecessor's outputs (or features, for the first layer) to
// hiddenSizes[i] outputs through activations[i]. The prefix
// distinguishes parameter names when several stacks share one graph.
func addLayers(g *G.ExprGraph, hiddenSizes []int, biases []bool,
	activations []*Activation, init G.InitWFn, features int,
	prefix string) []Layer {
	layers := make([]Layer, 0, len(hiddenSizes))

	in := features
	for i, size := range hiddenSizes {
		weights := G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(in, size),
			G.WithName(fmt.Sprintf("%vL%vW", prefix, i)),
			G.WithInit(init),
		)

		var bias *G.Node
		if biases[i] {
			bias = G.NewVector(
				g,
				tensor.Float64,
				G.WithShape(size),
				G.WithName(fmt.Sprintf("%vL%vB", prefix, i)),
				G.WithInit(G.Zeroes()),
			)
		}

		layers = append(layers, &fcLayer{
			weights: weights,
			bias:    bias,
			act:     activations[i],
		})
		in = size
	}

	return layers
}

// learnablesOf collects the parameter nodes of a stack of layers
func learnablesOf(layers []Layer) G.Nodes {
	learnables := make(G.Nodes, 0, 2*len(layers))
	for _, l := range layers {
		learnables = append(learnables, l.Weights())
		if bias := l.Bias(); bias != nil {
			learnables = append(learnables, bias)
		}
	}
	return learnables
}

// fwdLayers runs the forward pass of a stack of layers on input
func fwdLayers(layers []Layer, input *G.Node) (*G.Node, error) {
	pred := input
	var err error
	for i, l := range layers {
		if pred, err = l.fwd(pred); err != nil {
			return nil, fmt.Errorf("fwd: could not compute forward pass of "+
				"layer %v: %v", i, err)
		}
	}
	return pred, nil
}
