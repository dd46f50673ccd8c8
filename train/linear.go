package train

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/parallel"
	"github.com/pkg/errors"
)

// LinearNet is a linear regression model over synthetic data, the package's
// toy workload: features x drawn from N(0, 1), targets y = trueW·x + trueB
// plus a little noise, and a model of one weights tensor plus one bias
// scalar, both starting at zero.
//
// Every replica of a run builds its net from the same data seed and therefore
// holds an identical dataset; what differs per replica is the minibatch
// sampling stream, reseeded by the synchronization tree through Reseed.
type LinearNet struct {
	rt devices.Runtime

	weights *parallel.Tensor
	bias    *parallel.Tensor

	features  int
	batchSize int
	xs        []float32 // row-major, samples x features
	ys        []float32

	trueW []float32
	trueB float32

	sampler *rand.Rand
}

var _ Net = (*LinearNet)(nil)
var _ Reseeder = (*LinearNet)(nil)

// NewLinearNet builds a linear regression net with the given number of
// synthetic samples. The dataset, including the hidden true weights, is fully
// determined by dataSeed.
func NewLinearNet(rt devices.Runtime, features, samples, batchSize int, dataSeed int64) *LinearNet {
	if features < 1 || samples < 1 {
		exceptions.Panicf("linear net needs at least 1 feature and 1 sample, got %d and %d", features, samples)
	}
	if batchSize < 1 || batchSize > samples {
		exceptions.Panicf("linear net batch size %d out of range [1, %d]", batchSize, samples)
	}
	gen := rand.New(rand.NewSource(dataSeed))
	l := &LinearNet{
		rt:        rt,
		features:  features,
		batchSize: batchSize,
		xs:        make([]float32, samples*features),
		ys:        make([]float32, samples),
		trueW:     make([]float32, features),
		trueB:     float32(gen.NormFloat64()),
		sampler:   rand.New(rand.NewSource(dataSeed + 1)),
	}
	for j := range l.trueW {
		l.trueW[j] = float32(gen.NormFloat64())
	}
	for i := 0; i < samples; i++ {
		y := l.trueB
		for j := 0; j < features; j++ {
			x := float32(gen.NormFloat64())
			l.xs[i*features+j] = x
			y += l.trueW[j] * x
		}
		l.ys[i] = y + 0.01*float32(gen.NormFloat64())
	}
	l.weights = parallel.NewTensorFromFlat("weights", make([]float32, features), features)
	l.bias = parallel.NewTensorFromFlat("bias", []float32{0})
	return l
}

// Params returns the weights and bias tensors.
func (l *LinearNet) Params() []*parallel.Tensor {
	return []*parallel.Tensor{l.weights, l.bias}
}

// Reseed replaces the minibatch sampling stream.
func (l *LinearNet) Reseed(seed int64) {
	l.sampler = rand.New(rand.NewSource(seed))
}

// Backward samples one minibatch, accumulates the mean squared error
// gradients and returns the minibatch loss.
func (l *LinearNet) Backward(_ int) (float64, error) {
	w, err := l.float32Data(l.weights.Value())
	if err != nil {
		return 0, err
	}
	b, err := l.float32Data(l.bias.Value())
	if err != nil {
		return 0, err
	}
	gw, err := l.float32Data(l.weights.Grad())
	if err != nil {
		return 0, err
	}
	gb, err := l.float32Data(l.bias.Grad())
	if err != nil {
		return 0, err
	}

	samples := len(l.ys)
	var loss float64
	for k := 0; k < l.batchSize; k++ {
		i := l.sampler.Intn(samples)
		row := l.xs[i*l.features : (i+1)*l.features]
		pred := b[0]
		for j, x := range row {
			pred += w[j] * x
		}
		diff := pred - l.ys[i]
		loss += float64(diff) * float64(diff)
		scale := diff / float32(l.batchSize)
		for j, x := range row {
			gw[j] += scale * x
		}
		gb[0] += scale
	}
	return loss / float64(2*l.batchSize), nil
}

// FullLoss is the mean squared error over the whole dataset with the current
// parameters.
func (l *LinearNet) FullLoss() (float64, error) {
	w, err := l.float32Data(l.weights.Value())
	if err != nil {
		return 0, err
	}
	b, err := l.float32Data(l.bias.Value())
	if err != nil {
		return 0, err
	}
	var loss float64
	for i := range l.ys {
		row := l.xs[i*l.features : (i+1)*l.features]
		pred := b[0]
		for j, x := range row {
			pred += w[j] * x
		}
		diff := float64(pred - l.ys[i])
		loss += diff * diff
	}
	return loss / float64(2*len(l.ys)), nil
}

// TrueWeights the targets were generated with.
func (l *LinearNet) TrueWeights() ([]float32, float32) {
	out := make([]float32, len(l.trueW))
	copy(out, l.trueW)
	return out, l.trueB
}

func (l *LinearNet) float32Data(buf devices.Buffer) ([]float32, error) {
	if buf == nil {
		return nil, errors.New("linear net tensors are not installed into packed device storage")
	}
	flat, err := l.rt.BufferData(buf)
	if err != nil {
		return nil, err
	}
	data, ok := flat.([]float32)
	if !ok {
		return nil, errors.Errorf("linear net expects float32 storage, got %T", flat)
	}
	return data, nil
}
