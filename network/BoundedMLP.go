package network

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// boundedMLP implements a multi-layered perceptron whose outputs are
// bounded to [-scale, scale] by a tanh output layer scaled by scale.
// It parameterizes a deterministic policy over a bounded, continuous
// action space.
type boundedMLP struct {
	g      *G.ExprGraph
	layers []Layer
	input  *G.Node

	features  int
	outputs   int
	batchSize int
	scale     float64

	// Architecture data, including the appended output layer, needed
	// for cloning and gobbing
	hiddenSizes []int
	biases      []bool
	activations []*Activation

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// NewBoundedMLP creates and returns a new multi-layered perceptron
// with outputs bounded to [-scale, scale]. The graph parameter g is
// populated with the MLP.
//
// The MLP has a number of layers equal to len(hiddenSizes) + 1: a
// final layer of size outputs, with a bias unit and a tanh activation
// scaled by scale, is always added. For index i, hiddenSizes[i] is the
// number of nodes in hidden layer i; biases[i] is true if hidden layer
// i has a bias unit; activations[i] is the activation function of
// hidden layer i. The parameter init determines the weight
// initialization scheme.
func NewBoundedMLP(features, batch, outputs int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool, init G.InitWFn,
	activations []*Activation, scale float64) (NeuralNet, error) {
	if len(hiddenSizes) != len(activations) {
		return nil, fmt.Errorf("newboundedmlp: invalid number of "+
			"activations \n\twant(%v)\n\thave(%v)", len(hiddenSizes),
			len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		return nil, fmt.Errorf("newboundedmlp: invalid number of biases"+
			"\n\twant(%v)\n\thave(%v)", len(hiddenSizes), len(biases))
	}
	if features <= 0 || batch <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("newboundedmlp: features, batch, and outputs "+
			"must be positive \n\thave(%v, %v, %v)", features, batch, outputs)
	}
	if scale <= 0 {
		return nil, fmt.Errorf("newboundedmlp: output scale must be "+
			"positive \n\thave(%v)", scale)
	}

	input := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, features),
		G.WithName("state"),
		G.WithInit(G.Zeroes()),
	)

	// Add the bounded output layer
	hiddenSizes = append(append([]int{}, hiddenSizes...), outputs)
	biases = append(append([]bool{}, biases...), true)
	activations = append(append([]*Activation{}, activations...), TanH())

	layers := addLayers(g, hiddenSizes, biases, activations, init, features,
		"Policy")

	network := &boundedMLP{
		g:           g,
		layers:      layers,
		input:       input,
		features:    features,
		outputs:     outputs,
		batchSize:   batch,
		scale:       scale,
		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,
	}
	if err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("newboundedmlp: could not compute forward "+
			"pass: %v", err)
	}

	return network, nil
}

// fwd adds the forward pass of the boundedMLP on input to the graph
func (b *boundedMLP) fwd(input *G.Node) error {
	pred, err := fwdLayers(b.layers, input)
	if err != nil {
		return err
	}

	// The tanh output layer is scaled so that every output coordinate
	// lies in [-scale, scale]
	pred = G.Must(G.Mul(pred, G.NewConstant(b.scale)))

	b.prediction = pred
	G.Read(b.prediction, &b.predVal)
	return nil
}

// CloneWithBatch clones the boundedMLP onto a new graph with a new
// input batch size. Parameter values are copied into separate storage.
func (b *boundedMLP) CloneWithBatch(batch int) (NeuralNet, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("clonewithbatch: batch size must be positive"+
			"\n\thave(%v)", batch)
	}

	g := G.NewGraph()
	input := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, b.features),
		G.WithName("state"),
		G.WithInit(G.Zeroes()),
	)

	layers := make([]Layer, len(b.layers))
	for i := range b.layers {
		layers[i] = b.layers[i].CloneTo(g)
	}

	network := &boundedMLP{
		g:           g,
		layers:      layers,
		input:       input,
		features:    b.features,
		outputs:     b.outputs,
		batchSize:   batch,
		scale:       b.scale,
		hiddenSizes: b.hiddenSizes,
		biases:      b.biases,
		activations: b.activations,
	}
	if err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not compute forward "+
			"pass: %v", err)
	}

	return network, nil
}

// Graph returns the computational graph of the boundedMLP
func (b *boundedMLP) Graph() *G.ExprGraph { return b.g }

// BatchSize returns the batch size of inputs to the boundedMLP
func (b *boundedMLP) BatchSize() int { return b.batchSize }

// Features returns the number of features in a single input vector
func (b *boundedMLP) Features() int { return b.features }

// Outputs returns the number of outputs predicted per input vector
func (b *boundedMLP) Outputs() int { return b.outputs }

// Input returns the input node of the boundedMLP
func (b *boundedMLP) Input() *G.Node { return b.input }

// SetInput sets the value of the input node before running the forward
// pass
func (b *boundedMLP) SetInput(input []float64) error {
	if len(input) != b.features*b.batchSize {
		return fmt.Errorf("setinput: invalid number of inputs \n\twant(%v)"+
			"\n\thave(%v)", b.features*b.batchSize, len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(b.batchSize, b.features),
	)
	return G.Let(b.input, inputTensor)
}

// Learnables returns the learnable nodes in the boundedMLP
func (b *boundedMLP) Learnables() G.Nodes {
	if b.learnables == nil {
		b.learnables = learnablesOf(b.layers)
	}
	return b.learnables
}

// Model returns the learnable nodes with their gradients
func (b *boundedMLP) Model() []G.ValueGrad {
	if b.model == nil {
		learnables := b.Learnables()
		b.model = make([]G.ValueGrad, 0, len(learnables))
		for _, node := range learnables {
			b.model = append(b.model, node)
		}
	}
	return b.model
}

// Output returns the output of the boundedMLP after its graph has run
func (b *boundedMLP) Output() []G.Value {
	return []G.Value{b.predVal}
}

// Prediction returns the node of the computational graph that stores
// the output of the boundedMLP
func (b *boundedMLP) Prediction() []*G.Node {
	return []*G.Node{b.prediction}
}

// GobEncode implements the gob.GobEncoder interface
func (b *boundedMLP) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(b.features); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode features")
	}
	if err := enc.Encode(b.outputs); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode outputs")
	}
	if err := enc.Encode(b.batchSize); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode batch size")
	}
	if err := enc.Encode(b.scale); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode output scale")
	}
	if err := enc.Encode(b.hiddenSizes); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode hidden sizes")
	}
	if err := enc.Encode(b.biases); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode biases")
	}
	if err := enc.Encode(b.activations); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode activations")
	}

	gob.Register(&fcLayer{})
	for i, layer := range b.layers {
		if err := enc.Encode(layer); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode layer %v: %v",
				i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (b *boundedMLP) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))

	var features, outputs, batchSize int
	var scale float64
	if err := dec.Decode(&features); err != nil {
		return fmt.Errorf("gobdecode: could not decode features")
	}
	if err := dec.Decode(&outputs); err != nil {
		return fmt.Errorf("gobdecode: could not decode outputs")
	}
	if err := dec.Decode(&batchSize); err != nil {
		return fmt.Errorf("gobdecode: could not decode batch size")
	}
	if err := dec.Decode(&scale); err != nil {
		return fmt.Errorf("gobdecode: could not decode output scale")
	}

	var hiddenSizes []int
	if err := dec.Decode(&hiddenSizes); err != nil {
		return fmt.Errorf("gobdecode: could not decode hidden sizes")
	}
	var biases []bool
	if err := dec.Decode(&biases); err != nil {
		return fmt.Errorf("gobdecode: could not decode biases")
	}
	var activations []*Activation
	if err := dec.Decode(&activations); err != nil {
		return fmt.Errorf("gobdecode: could not decode activations")
	}

	// The encoded architecture includes the appended output layer,
	// which the constructor will append again
	hiddenSizes = hiddenSizes[:len(hiddenSizes)-1]
	biases = biases[:len(biases)-1]
	activations = activations[:len(activations)-1]

	newNet, err := NewBoundedMLP(features, batchSize, outputs, G.NewGraph(),
		hiddenSizes, biases, G.Zeroes(), activations, scale)
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new MLP: %v", err)
	}
	newMLP := newNet.(*boundedMLP)

	gob.Register(&fcLayer{})
	for i := range newMLP.layers {
		if err := dec.Decode(newMLP.layers[i]); err != nil {
			return fmt.Errorf("gobdecode: could not decode layer %v: %v", i,
				err)
		}
	}

	*b = *newMLP
	return nil
}

// ReadBoundedMLP reads a gob-encoded bounded MLP, written with Write,
// from r.
func ReadBoundedMLP(r io.Reader) (NeuralNet, error) {
	net := new(boundedMLP)
	if err := gob.NewDecoder(r).Decode(net); err != nil {
		return nil, fmt.Errorf("readboundedmlp: could not decode network: %v",
			err)
	}
	return net, nil
}
