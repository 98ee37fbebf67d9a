package adapt

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-adapt/ot"
	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

// domainPass is the result of running one domain batch through the module.
type domainPass struct {
	features *tensor.Tensor // [n, F]
	logits   *tensor.Tensor // [n, C]
	labels   *tensor.Tensor // [n] Int32, nil for the target domain
}

// alignment computes the domain alignment term added to the task loss.
type alignment interface {
	// setup runs once before training, when the feature width and the
	// number of classes are known.
	setup(featureWidth, nClasses int) error
	loss(source, target domainPass, progress float64) (*tensor.Tensor, error)
	parameters() []*tensor.Tensor
	train()
	eval()
	// state lists the module trees and fixed tensors owned by the alignment,
	// for checkpoints.
	state() (map[string]training.Module, []training.NamedTensor)
}

// adversarial trains a domain classifier through a gradient reversal layer.
// In conditional mode the classifier sees the multilinear map of features
// and class probabilities.
type adversarial struct {
	cfg         AdversarialConfig
	conditional bool
	maxFeatures int
	rng         *rand.Rand

	classifier training.Module
	inputSize  int
	projFeat   *tensor.Tensor // [F, maxFeatures], nil unless projecting
	projClass  *tensor.Tensor // [C, maxFeatures]
}

func (a *adversarial) setup(featureWidth, nClasses int) error {
	size := featureWidth
	if a.conditional {
		size = featureWidth * nClasses
		if size > a.maxFeatures {
			var err error
			if a.projFeat, err = tensor.RandomNormal([]int{featureWidth, a.maxFeatures}, 0, 1, a.rng); err != nil {
				return err
			}
			if a.projClass, err = tensor.RandomNormal([]int{nClasses, a.maxFeatures}, 0, 1, a.rng); err != nil {
				return err
			}
			size = a.maxFeatures
		}
	}
	if want := a.cfg.DomainClassifierLenLastLayer; want != 0 && want != size {
		return fmt.Errorf("%w: domain classifier expects %d inputs but the domain input has %d",
			tensor.ErrShapeMismatch, want, size)
	}
	a.inputSize = size

	if a.classifier != nil {
		return nil
	}
	if a.cfg.DomainClassifier != nil {
		a.classifier = a.cfg.DomainClassifier
		return nil
	}
	factory := a.cfg.DomainClassifierFactory
	if factory == nil {
		factory = DefaultDomainClassifierFactory(a.cfg.DomainClassifierConfig, a.rng)
	}
	dc, err := factory(size)
	if err != nil {
		return fmt.Errorf("building domain classifier: %w", err)
	}
	a.classifier = dc
	return nil
}

// domainInput is the classifier input for one domain.
func (a *adversarial) domainInput(p domainPass) (*tensor.Tensor, error) {
	if !a.conditional {
		return p.features, nil
	}
	probs, err := tensor.Softmax(p.logits.Detach())
	if err != nil {
		return nil, err
	}
	if a.projFeat == nil {
		return tensor.OuterAutograd(p.features, probs)
	}
	fr, err := tensor.MatMulAutograd(p.features, a.projFeat)
	if err != nil {
		return nil, err
	}
	gr, err := tensor.MatMul(probs, a.projClass)
	if err != nil {
		return nil, err
	}
	prod, err := tensor.MulAutograd(fr, gr)
	if err != nil {
		return nil, err
	}
	return tensor.ScaleAutograd(prod, float32(1/math.Sqrt(float64(a.maxFeatures))))
}

func (a *adversarial) domainLoss(p domainPass, label float32, alpha float64) (*tensor.Tensor, error) {
	in, err := a.domainInput(p)
	if err != nil {
		return nil, err
	}
	if in.Shape[1] != a.inputSize {
		return nil, fmt.Errorf("%w: domain input has %d features, classifier was sized for %d",
			tensor.ErrShapeMismatch, in.Shape[1], a.inputSize)
	}
	reversed, err := ReverseGradient(in, alpha)
	if err != nil {
		return nil, err
	}
	pred, err := a.classifier.Forward(reversed)
	if err != nil {
		return nil, fmt.Errorf("domain classifier forward failed: %w", err)
	}
	n := in.Shape[0]
	labels := make([]float32, n)
	for i := range labels {
		labels[i] = label
	}
	target, err := tensor.NewTensor([]int{n}, tensor.Float32, labels)
	if err != nil {
		return nil, err
	}
	return a.cfg.DomainCriterion.Forward(pred, target)
}

func (a *adversarial) loss(source, target domainPass, progress float64) (*tensor.Tensor, error) {
	alpha := a.cfg.AlphaSchedule(progress)
	ls, err := a.domainLoss(source, 0, alpha)
	if err != nil {
		return nil, fmt.Errorf("source domain loss: %w", err)
	}
	lt, err := a.domainLoss(target, 1, alpha)
	if err != nil {
		return nil, fmt.Errorf("target domain loss: %w", err)
	}
	sum, err := tensor.AddAutograd(ls, lt)
	if err != nil {
		return nil, err
	}
	return tensor.ScaleAutograd(sum, float32(a.cfg.Reg))
}

func (a *adversarial) parameters() []*tensor.Tensor { return a.classifier.Parameters() }
func (a *adversarial) train()                       { a.classifier.Train() }
func (a *adversarial) eval()                        { a.classifier.Eval() }

func (a *adversarial) state() (map[string]training.Module, []training.NamedTensor) {
	var fixed []training.NamedTensor
	if a.projFeat != nil {
		fixed = append(fixed,
			training.NamedTensor{Name: "projection.features", Tensor: a.projFeat},
			training.NamedTensor{Name: "projection.classes", Tensor: a.projClass})
	}
	return map[string]training.Module{"domain_classifier": a.classifier}, fixed
}

// transport aligns the joint distribution of features and labels with an
// optimal transport coupling between the source and target batches.
type transport struct {
	cfg DeepJDOTConfig
}

func (t *transport) setup(int, int) error { return nil }

func (t *transport) loss(source, target domainPass, _ float64) (*tensor.Tensor, error) {
	op := &jdotOp{regDist: t.cfg.RegDist, regCl: t.cfg.RegCl, labels: source.labels.Int32s()}
	cost, err := op.cost(source.features, target.features, target.logits)
	if err != nil {
		return nil, err
	}

	if err := ot.CheckFinite(cost); err != nil {
		return nil, fmt.Errorf("%w: transport cost: %w", training.ErrNonFiniteLoss, err)
	}

	ns, nt := cost.Dims()
	switch t.cfg.Solver {
	case SolverSinkhorn:
		op.gamma, err = ot.Sinkhorn(ot.Uniform(ns), ot.Uniform(nt), cost, ot.SinkhornConfig{Reg: t.cfg.SinkhornReg})
	default:
		op.gamma, err = ot.EMD(ot.Uniform(ns), ot.Uniform(nt), cost)
	}
	if err != nil {
		return nil, fmt.Errorf("transport plan: %w", err)
	}
	return tensor.Apply(op, source.features, target.features, target.logits)
}

func (t *transport) parameters() []*tensor.Tensor { return nil }
func (t *transport) train()                       {}
func (t *transport) eval()                        {}

func (t *transport) state() (map[string]training.Module, []training.NamedTensor) {
	return nil, nil
}

// jdotOp computes sum_ij gamma_ij M_ij for a fixed coupling gamma, with
// M_ij = regDist*||fs_i - ft_j||^2 + regCl*CE(logits_t_j, y_s_i).
// Inputs are (fs [ns, F], ft [nt, F], logits_t [nt, C]).
type jdotOp struct {
	regDist, regCl float64
	labels         []int32
	gamma          *mat.Dense

	fs, ft   *mat.Dense
	logProbs *mat.Dense // log softmax of the target logits
}

func toDense(t *tensor.Tensor) (*mat.Dense, error) {
	if len(t.Shape) != 2 || t.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: expected a 2D Float32 tensor, got %v %s", tensor.ErrShapeMismatch, t.Shape, t.DType)
	}
	src := t.Float32s()
	data := make([]float64, len(src))
	for i, v := range src {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], data), nil
}

// cost fills the op's cached inputs and returns the cost matrix M.
func (op *jdotOp) cost(fs, ft, logitsT *tensor.Tensor) (*mat.Dense, error) {
	var err error
	if op.fs, err = toDense(fs); err != nil {
		return nil, err
	}
	if op.ft, err = toDense(ft); err != nil {
		return nil, err
	}
	lp, err := tensor.LogSoftmax(logitsT)
	if err != nil {
		return nil, err
	}
	if op.logProbs, err = toDense(lp); err != nil {
		return nil, err
	}
	ns, _ := op.fs.Dims()
	nt, nClasses := op.logProbs.Dims()
	if len(op.labels) != ns {
		return nil, fmt.Errorf("%w: %d source labels for %d source features", tensor.ErrShapeMismatch, len(op.labels), ns)
	}

	dist, err := ot.SqEuclidean(op.fs, op.ft)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tensor.ErrShapeMismatch, err)
	}
	dist.Scale(op.regDist, dist)
	for i, y := range op.labels {
		if y < 0 || int(y) >= nClasses {
			return nil, fmt.Errorf("source label %d at index %d is out of range [0, %d)", y, i, nClasses)
		}
		for j := 0; j < nt; j++ {
			dist.Set(i, j, dist.At(i, j)-op.regCl*op.logProbs.At(j, int(y)))
		}
	}
	return dist, nil
}

func (op *jdotOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("transport loss takes 3 inputs, got %d", len(inputs))
	}
	if op.gamma == nil {
		return nil, fmt.Errorf("transport loss has no coupling")
	}
	M, err := op.cost(inputs[0], inputs[1], inputs[2])
	if err != nil {
		return nil, err
	}
	return tensor.FromScalar(ot.Cost(op.gamma, M)), nil
}

func (op *jdotOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	scale := float64(gradOut.Float32s()[0])
	ns, dims := op.fs.Dims()
	nt, nClasses := op.logProbs.Dims()

	gfs := make([]float32, ns*dims)
	gft := make([]float32, nt*dims)
	glt := make([]float32, nt*nClasses)
	colMass := make([]float64, nt)

	for i := 0; i < ns; i++ {
		y := int(op.labels[i])
		for j := 0; j < nt; j++ {
			g := op.gamma.At(i, j)
			if g == 0 {
				continue
			}
			colMass[j] += g
			w := 2 * op.regDist * g * scale
			for k := 0; k < dims; k++ {
				d := w * (op.fs.At(i, k) - op.ft.At(j, k))
				gfs[i*dims+k] += float32(d)
				gft[j*dims+k] -= float32(d)
			}
			glt[j*nClasses+y] -= float32(op.regCl * g * scale)
		}
	}
	// d CE / d logits = softmax - onehot, weighted by the mass each target receives
	for j := 0; j < nt; j++ {
		if colMass[j] == 0 {
			continue
		}
		for c := 0; c < nClasses; c++ {
			glt[j*nClasses+c] += float32(op.regCl * colMass[j] * math.Exp(op.logProbs.At(j, c)) * scale)
		}
	}

	gradFs, err := tensor.NewTensor([]int{ns, dims}, tensor.Float32, gfs)
	if err != nil {
		return nil, err
	}
	gradFt, err := tensor.NewTensor([]int{nt, dims}, tensor.Float32, gft)
	if err != nil {
		return nil, err
	}
	gradLt, err := tensor.NewTensor([]int{nt, nClasses}, tensor.Float32, glt)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradFs, gradFt, gradLt}, nil
}
