package adapt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/ot"
	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

func randomTensor(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(shape, 0, 1, rng)
	require.NoError(t, err)
	return x
}

func TestJDOTGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	fs := randomTensor(t, rng, 3, 2)
	ft := randomTensor(t, rng, 4, 2)
	lt := randomTensor(t, rng, 4, 3)
	labels := []int32{0, 2, 1}

	// a fixed non-uniform coupling exercises every term of the gradient
	probe := &jdotOp{regDist: 0.7, regCl: 1.3, labels: labels}
	M, err := probe.cost(fs, ft, lt)
	require.NoError(t, err)
	gamma, err := ot.EMD(ot.Uniform(3), ot.Uniform(4), M)
	require.NoError(t, err)

	for _, in := range []*tensor.Tensor{fs, ft, lt} {
		in.SetRequiresGrad(true)
	}
	op := &jdotOp{regDist: 0.7, regCl: 1.3, labels: labels, gamma: gamma}
	loss, err := tensor.Apply(op, fs, ft, lt)
	require.NoError(t, err)
	assert.InDelta(t, ot.Cost(gamma, M), float64(loss.Float32s()[0]), 1e-4)
	require.NoError(t, loss.Backward())

	eval := func() float64 {
		op := &jdotOp{regDist: 0.7, regCl: 1.3, labels: labels, gamma: gamma}
		out, err := op.Forward(fs, ft, lt)
		require.NoError(t, err)
		return float64(out.Float32s()[0])
	}
	const eps = 1e-2
	for name, in := range map[string]*tensor.Tensor{"source features": fs, "target features": ft, "target logits": lt} {
		t.Run(name, func(t *testing.T) {
			data := in.Float32s()
			grad := in.Grad().Float32s()
			for i := range data {
				orig := data[i]
				data[i] = orig + eps
				up := eval()
				data[i] = orig - eps
				down := eval()
				data[i] = orig
				assert.InDelta(t, (up-down)/(2*eps), float64(grad[i]), 2e-2, "element %d", i)
			}
		})
	}
}

func TestJDOTCostRejectsBadLabels(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	op := &jdotOp{regDist: 1, regCl: 1, labels: []int32{0, 5}}
	_, err := op.cost(randomTensor(t, rng, 2, 3), randomTensor(t, rng, 2, 3), randomTensor(t, rng, 2, 2))
	assert.Error(t, err)

	op.labels = []int32{0}
	_, err = op.cost(randomTensor(t, rng, 2, 3), randomTensor(t, rng, 2, 3), randomTensor(t, rng, 2, 2))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestTransportLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	for _, solver := range []Solver{SolverEMD, SolverSinkhorn} {
		t.Run(string(solver), func(t *testing.T) {
			cfg := DeepJDOTConfig{Solver: solver}
			cfg.applyDefaults()
			tr := &transport{cfg: cfg}
			require.NoError(t, tr.setup(4, 2))

			labels, err := tensor.NewTensor([]int{5}, tensor.Int32, []int32{0, 1, 0, 1, 1})
			require.NoError(t, err)
			feats := randomTensor(t, rng, 5, 4)
			feats.SetRequiresGrad(true)
			loss, err := tr.loss(
				domainPass{features: feats, logits: randomTensor(t, rng, 5, 2), labels: labels},
				domainPass{features: randomTensor(t, rng, 5, 4), logits: randomTensor(t, rng, 5, 2)},
				0)
			require.NoError(t, err)
			assert.Equal(t, []int{1}, loss.Shape)
			assert.Greater(t, loss.Float32s()[0], float32(0))
			require.NoError(t, loss.Backward())
			assert.NotNil(t, feats.Grad())
			assert.Nil(t, tr.parameters())

			t.Run("non-finite features", func(t *testing.T) {
				bad := randomTensor(t, rng, 5, 4)
				bad.Float32s()[3] = float32(math.Inf(1))
				_, err := tr.loss(
					domainPass{features: randomTensor(t, rng, 5, 4), logits: randomTensor(t, rng, 5, 2), labels: labels},
					domainPass{features: bad, logits: randomTensor(t, rng, 5, 2)},
					0)
				assert.ErrorIs(t, err, training.ErrNonFiniteLoss)
				assert.ErrorIs(t, err, ot.ErrNonFiniteCost)
			})
		})
	}
}

func TestAdversarialSetup(t *testing.T) {
	newAdv := func(conditional bool, maxFeatures int, cfg AdversarialConfig) *adversarial {
		cfg.applyDefaults()
		return &adversarial{cfg: cfg, conditional: conditional, maxFeatures: maxFeatures, rng: rand.New(rand.NewSource(4))}
	}

	tests := []struct {
		name        string
		conditional bool
		maxFeatures int
		features    int
		classes     int
		want        int
		projected   bool
	}{
		{"dann uses feature width", false, 0, 110, 5, 110, false},
		{"cdan multilinear map", true, 4096, 140, 3, 420, false},
		{"cdan random projection", true, 100, 110, 5, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdv(tt.conditional, tt.maxFeatures, AdversarialConfig{})
			require.NoError(t, a.setup(tt.features, tt.classes))
			assert.Equal(t, tt.want, a.inputSize)
			assert.Equal(t, tt.projected, a.projFeat != nil)

			_, fixed := a.state()
			if tt.projected {
				require.Len(t, fixed, 2)
				assert.Equal(t, []int{tt.features, tt.maxFeatures}, fixed[0].Tensor.Shape)
				assert.Equal(t, []int{tt.classes, tt.maxFeatures}, fixed[1].Tensor.Shape)
			} else {
				assert.Empty(t, fixed)
			}

			rng := rand.New(rand.NewSource(5))
			in, err := a.domainInput(domainPass{
				features: randomTensor(t, rng, 3, tt.features),
				logits:   randomTensor(t, rng, 3, tt.classes),
			})
			require.NoError(t, err)
			assert.Equal(t, []int{3, tt.want}, in.Shape)
		})
	}

	t.Run("declared input size must match", func(t *testing.T) {
		a := newAdv(false, 0, AdversarialConfig{DomainClassifierLenLastLayer: 64})
		err := a.setup(110, 5)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("factory receives input size", func(t *testing.T) {
		var got int
		a := newAdv(true, 4096, AdversarialConfig{
			DomainClassifierFactory: func(n int) (training.Module, error) {
				got = n
				return NewDomainClassifier(n, DomainClassifierConfig{Hidden: 8}, nil)
			},
		})
		require.NoError(t, a.setup(7, 3))
		assert.Equal(t, 21, got)
	})

	t.Run("given classifier is used as is", func(t *testing.T) {
		dc, err := NewDomainClassifier(10, DomainClassifierConfig{}, nil)
		require.NoError(t, err)
		a := newAdv(false, 0, AdversarialConfig{DomainClassifier: dc})
		require.NoError(t, a.setup(10, 2))
		assert.Same(t, dc, a.classifier)
	})
}

func TestAdversarialLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	a := &adversarial{cfg: AdversarialConfig{Reg: 0.5}, rng: rng}
	a.cfg.applyDefaults()
	require.NoError(t, a.setup(6, 2))

	labels, err := tensor.NewTensor([]int{4}, tensor.Int32, []int32{0, 1, 1, 0})
	require.NoError(t, err)
	fs := randomTensor(t, rng, 4, 6)
	fs.SetRequiresGrad(true)
	loss, err := a.loss(
		domainPass{features: fs, logits: randomTensor(t, rng, 4, 2), labels: labels},
		domainPass{features: randomTensor(t, rng, 4, 6), logits: randomTensor(t, rng, 4, 2)},
		0.5)
	require.NoError(t, err)
	assert.Greater(t, loss.Float32s()[0], float32(0))
	require.NoError(t, loss.Backward())
	require.NotNil(t, fs.Grad())
	for _, p := range a.parameters() {
		assert.NotNil(t, p.Grad())
	}
}
