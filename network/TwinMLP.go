package network

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// twinMLP implements a pair of structurally identical but
// independently parameterized multi-layered perceptrons over a shared
// input node, each predicting a single scalar per input vector. It
// parameterizes the twin action-value estimators of a clipped
// double-Q critic.
type twinMLP struct {
	g        *G.ExprGraph
	q1Layers []Layer
	q2Layers []Layer
	input    *G.Node

	features  int
	batchSize int

	// Architecture data, including the appended scalar output layer,
	// needed for cloning and gobbing
	hiddenSizes []int
	biases      []bool
	activations []*Activation

	learnables G.Nodes
	model      []G.ValueGrad

	predictions []*G.Node
	predVal1    G.Value
	predVal2    G.Value
}

// NewTwinMLP creates and returns a new pair of independently
// parameterized MLPs over a shared input of size features, each
// predicting one scalar per input vector. The graph parameter g is
// populated with both networks.
//
// Both MLPs have a number of layers equal to len(hiddenSizes) + 1: a
// final linear layer of size 1 with a bias unit is always added. For
// index i, hiddenSizes[i] is the number of nodes in hidden layer i;
// biases[i] is true if hidden layer i has a bias unit; activations[i]
// is the activation function of hidden layer i. The parameter init
// determines the weight initialization scheme.
func NewTwinMLP(features, batch int, g *G.ExprGraph, hiddenSizes []int,
	biases []bool, init G.InitWFn, activations []*Activation) (TwinNet,
	error) {
	if len(hiddenSizes) != len(activations) {
		return nil, fmt.Errorf("newtwinmlp: invalid number of activations"+
			"\n\twant(%v)\n\thave(%v)", len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		return nil, fmt.Errorf("newtwinmlp: invalid number of biases"+
			"\n\twant(%v)\n\thave(%v)", len(hiddenSizes), len(biases))
	}
	if features <= 0 || batch <= 0 {
		return nil, fmt.Errorf("newtwinmlp: features and batch must be "+
			"positive \n\thave(%v, %v)", features, batch)
	}

	input := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, features),
		G.WithName("stateAction"),
		G.WithInit(G.Zeroes()),
	)

	// Add the scalar output layer
	hiddenSizes = append(append([]int{}, hiddenSizes...), 1)
	biases = append(append([]bool{}, biases...), true)
	activations = append(append([]*Activation{}, activations...), Identity())

	q1Layers := addLayers(g, hiddenSizes, biases, activations, init, features,
		"Q1")
	q2Layers := addLayers(g, hiddenSizes, biases, activations, init, features,
		"Q2")

	network := &twinMLP{
		g:           g,
		q1Layers:    q1Layers,
		q2Layers:    q2Layers,
		input:       input,
		features:    features,
		batchSize:   batch,
		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,
	}
	if err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("newtwinmlp: could not compute forward "+
			"pass: %v", err)
	}

	return network, nil
}

// fwd adds the forward pass of both heads on input to the graph
func (t *twinMLP) fwd(input *G.Node) error {
	pred1, err := fwdLayers(t.q1Layers, input)
	if err != nil {
		return err
	}
	pred2, err := fwdLayers(t.q2Layers, input)
	if err != nil {
		return err
	}

	t.predictions = []*G.Node{pred1, pred2}
	G.Read(pred1, &t.predVal1)
	G.Read(pred2, &t.predVal2)
	return nil
}

// CloneWithBatch clones the twinMLP onto a new graph with a new input
// batch size. Parameter values are copied into separate storage.
func (t *twinMLP) CloneWithBatch(batch int) (NeuralNet, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("clonewithbatch: batch size must be positive"+
			"\n\thave(%v)", batch)
	}

	g := G.NewGraph()
	input := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, t.features),
		G.WithName("stateAction"),
		G.WithInit(G.Zeroes()),
	)

	q1Layers := make([]Layer, len(t.q1Layers))
	q2Layers := make([]Layer, len(t.q2Layers))
	for i := range t.q1Layers {
		q1Layers[i] = t.q1Layers[i].CloneTo(g)
		q2Layers[i] = t.q2Layers[i].CloneTo(g)
	}

	network := &twinMLP{
		g:           g,
		q1Layers:    q1Layers,
		q2Layers:    q2Layers,
		input:       input,
		features:    t.features,
		batchSize:   batch,
		hiddenSizes: t.hiddenSizes,
		biases:      t.biases,
		activations: t.activations,
	}
	if err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not compute forward "+
			"pass: %v", err)
	}

	return network, nil
}

// Head returns the parameter nodes of head i. Head 0 is the first
// action-value estimator, head 1 the second.
func (t *twinMLP) Head(i int) G.Nodes {
	switch i {
	case 0:
		return learnablesOf(t.q1Layers)
	case 1:
		return learnablesOf(t.q2Layers)
	default:
		panic(fmt.Sprintf("head: no head %v in a twin network", i))
	}
}

// FirstHead clones the first head onto the graph of input and runs
// its forward pass on input, which must be a matrix node of shape
// (batch, features). The clone's parameters are independent storage.
func (t *twinMLP) FirstHead(input *G.Node) (NeuralNet, error) {
	if !input.IsMatrix() {
		return nil, fmt.Errorf("firsthead: input must be a matrix node")
	}
	if input.Shape()[1] != t.features {
		return nil, fmt.Errorf("firsthead: invalid number of input features"+
			"\n\twant(%v)\n\thave(%v)", t.features, input.Shape()[1])
	}

	g := input.Graph()
	layers := make([]Layer, len(t.q1Layers))
	for i := range t.q1Layers {
		layers[i] = t.q1Layers[i].CloneTo(g)
	}

	head := &headMLP{
		g:         g,
		layers:    layers,
		input:     input,
		features:  t.features,
		batchSize: input.Shape()[0],
	}
	if err := head.fwd(input); err != nil {
		return nil, fmt.Errorf("firsthead: could not compute forward "+
			"pass: %v", err)
	}

	return head, nil
}

// Graph returns the computational graph of the twinMLP
func (t *twinMLP) Graph() *G.ExprGraph { return t.g }

// BatchSize returns the batch size of inputs to the twinMLP
func (t *twinMLP) BatchSize() int { return t.batchSize }

// Features returns the number of features in a single input vector
func (t *twinMLP) Features() int { return t.features }

// Outputs returns the number of values predicted per input vector,
// one scalar per head
func (t *twinMLP) Outputs() int { return 2 }

// Input returns the shared input node of both heads
func (t *twinMLP) Input() *G.Node { return t.input }

// SetInput sets the value of the shared input node before running the
// forward pass
func (t *twinMLP) SetInput(input []float64) error {
	if len(input) != t.features*t.batchSize {
		return fmt.Errorf("setinput: invalid number of inputs \n\twant(%v)"+
			"\n\thave(%v)", t.features*t.batchSize, len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(t.batchSize, t.features),
	)
	return G.Let(t.input, inputTensor)
}

// Learnables returns the learnable nodes of both heads, first head
// first
func (t *twinMLP) Learnables() G.Nodes {
	if t.learnables == nil {
		t.learnables = append(t.Head(0), t.Head(1)...)
	}
	return t.learnables
}

// Model returns the learnable nodes of both heads with their gradients
func (t *twinMLP) Model() []G.ValueGrad {
	if t.model == nil {
		learnables := t.Learnables()
		t.model = make([]G.ValueGrad, 0, len(learnables))
		for _, node := range learnables {
			t.model = append(t.model, node)
		}
	}
	return t.model
}

// Output returns the value predicted by each head after the twinMLP's
// graph has run
func (t *twinMLP) Output() []G.Value {
	return []G.Value{t.predVal1, t.predVal2}
}

// Prediction returns the nodes of the computational graph that store
// the prediction of each head
func (t *twinMLP) Prediction() []*G.Node {
	return t.predictions
}

// GobEncode implements the gob.GobEncoder interface
func (t *twinMLP) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(t.features); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode features")
	}
	if err := enc.Encode(t.batchSize); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode batch size")
	}
	if err := enc.Encode(t.hiddenSizes); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode hidden sizes")
	}
	if err := enc.Encode(t.biases); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode biases")
	}
	if err := enc.Encode(t.activations); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode activations")
	}

	gob.Register(&fcLayer{})
	for i, layer := range append(append([]Layer{}, t.q1Layers...),
		t.q2Layers...) {
		if err := enc.Encode(layer); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode layer %v: %v",
				i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (t *twinMLP) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))

	var features, batchSize int
	if err := dec.Decode(&features); err != nil {
		return fmt.Errorf("gobdecode: could not decode features")
	}
	if err := dec.Decode(&batchSize); err != nil {
		return fmt.Errorf("gobdecode: could not decode batch size")
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

	newNet, err := NewTwinMLP(features, batchSize, G.NewGraph(), hiddenSizes,
		biases, G.Zeroes(), activations)
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new MLP: %v", err)
	}
	newMLP := newNet.(*twinMLP)

	gob.Register(&fcLayer{})
	for i, layer := range append(append([]Layer{}, newMLP.q1Layers...),
		newMLP.q2Layers...) {
		if err := dec.Decode(layer); err != nil {
			return fmt.Errorf("gobdecode: could not decode layer %v: %v", i,
				err)
		}
	}

	*t = *newMLP
	return nil
}

// ReadTwinMLP reads a gob-encoded twin MLP, written with Write, from r.
func ReadTwinMLP(r io.Reader) (TwinNet, error) {
	net := new(twinMLP)
	if err := gob.NewDecoder(r).Decode(net); err != nil {
		return nil, fmt.Errorf("readtwinmlp: could not decode network: %v",
			err)
	}
	return net, nil
}

// headMLP is a frozen clone of a single twinMLP head whose input node
// is owned by the enclosing graph. It lets a loss on another network's
// graph backpropagate through the head without treating the head's
// parameters as learnable.
type headMLP struct {
	g      *G.ExprGraph
	layers []Layer
	input  *G.Node

	features  int
	batchSize int

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// fwd adds the forward pass of the headMLP on input to the graph
func (h *headMLP) fwd(input *G.Node) error {
	pred, err := fwdLayers(h.layers, input)
	if err != nil {
		return err
	}
	h.prediction = pred
	G.Read(h.prediction, &h.predVal)
	return nil
}

func (h *headMLP) Graph() *G.ExprGraph { return h.g }
func (h *headMLP) BatchSize() int      { return h.batchSize }
func (h *headMLP) Features() int       { return h.features }
func (h *headMLP) Outputs() int        { return 1 }
func (h *headMLP) Input() *G.Node      { return h.input }

// CloneWithBatch is unsupported: a headMLP's input node belongs to the
// enclosing graph.
func (h *headMLP) CloneWithBatch(int) (NeuralNet, error) {
	return nil, fmt.Errorf("clonewithbatch: cannot clone a frozen head")
}

// SetInput is unsupported: a headMLP's input node belongs to the
// enclosing graph and is fed by the enclosing network's forward pass.
func (h *headMLP) SetInput([]float64) error {
	return fmt.Errorf("setinput: input of a frozen head is owned by the " +
		"enclosing graph")
}

func (h *headMLP) Learnables() G.Nodes {
	if h.learnables == nil {
		h.learnables = learnablesOf(h.layers)
	}
	return h.learnables
}

func (h *headMLP) Model() []G.ValueGrad {
	if h.model == nil {
		learnables := h.Learnables()
		h.model = make([]G.ValueGrad, 0, len(learnables))
		for _, node := range learnables {
			h.model = append(h.model, node)
		}
	}
	return h.model
}

func (h *headMLP) Output() []G.Value {
	return []G.Value{h.predVal}
}

func (h *headMLP) Prediction() []*G.Node {
	return []*G.Node{h.prediction}
}
