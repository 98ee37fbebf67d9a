// Package ot computes optimal transport couplings between two discrete
// distributions: exact earth mover's distance and entropic Sinkhorn.
package ot

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// ErrInvalidMarginals is returned when the weights do not describe two
// distributions of equal mass matching the cost matrix.
var ErrInvalidMarginals = errors.New("invalid marginals")

// ErrNonFiniteCost is returned when the cost matrix holds NaN or Inf.
var ErrNonFiniteCost = errors.New("non-finite cost")

// massTolerance is the relative difference allowed between the two total masses.
const massTolerance = 1e-6

// Uniform returns n equal weights summing to one.
func Uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// SqEuclidean returns the matrix of squared distances between the rows of
// xs [m, d] and the rows of xt [n, d].
func SqEuclidean(xs, xt mat.Matrix) (*mat.Dense, error) {
	m, d := xs.Dims()
	n, dt := xt.Dims()
	if d != dt {
		return nil, fmt.Errorf("ot: feature dimensions differ: %d and %d", d, dt)
	}

	cost := mat.NewDense(m, n, nil)
	cost.Mul(xs, xt.T())
	cost.Scale(-2, cost)

	sq := func(x mat.Matrix, i, cols int) float64 {
		var s float64
		for k := 0; k < cols; k++ {
			v := x.At(i, k)
			s += v * v
		}
		return s
	}
	tnorm := make([]float64, n)
	for j := range tnorm {
		tnorm[j] = sq(xt, j, d)
	}
	for i := 0; i < m; i++ {
		snorm := sq(xs, i, d)
		row := cost.RawRowView(i)
		for j := range row {
			row[j] = math.Max(row[j]+snorm+tnorm[j], 0)
		}
	}
	return cost, nil
}

// Cost returns sum_ij gamma_ij * M_ij.
func Cost(gamma, M mat.Matrix) float64 {
	var prod mat.Dense
	prod.MulElem(gamma, M)
	return mat.Sum(&prod)
}

func validate(a, b []float64, M mat.Matrix) error {
	m, n := M.Dims()
	if len(a) == 0 || len(b) == 0 {
		return fmt.Errorf("%w: empty distribution", ErrInvalidMarginals)
	}
	if len(a) != m || len(b) != n {
		return fmt.Errorf("%w: weights of length %d and %d for a %dx%d cost matrix",
			ErrInvalidMarginals, len(a), len(b), m, n)
	}
	for _, w := range [][]float64{a, b} {
		for _, v := range w {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: weight %v", ErrInvalidMarginals, v)
			}
		}
	}
	sa, sb := floats.Sum(a), floats.Sum(b)
	if sa == 0 || math.Abs(sa-sb) > massTolerance*math.Max(sa, sb) {
		return fmt.Errorf("%w: total masses %v and %v", ErrInvalidMarginals, sa, sb)
	}
	return CheckFinite(M)
}

// CheckFinite returns ErrNonFiniteCost naming the first NaN or Inf entry of M.
func CheckFinite(M mat.Matrix) error {
	m, n := M.Dims()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			if v := M.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: M[%d, %d] = %v", ErrNonFiniteCost, i, j, v)
			}
		}
	}
	return nil
}

// EMD returns the exact optimal coupling gamma [len(a), len(b)] minimising
// sum gamma_ij M_ij with row sums a and column sums b.
//
// Equal sized uniform problems reduce to an assignment and are solved with
// the Hungarian method; everything else goes through the simplex solver.
func EMD(a, b []float64, M mat.Matrix) (*mat.Dense, error) {
	if err := validate(a, b, M); err != nil {
		return nil, err
	}
	m, n := M.Dims()

	if m == n && isConstant(a) && isConstant(b) {
		perm, err := Assignment(M)
		if err != nil {
			return nil, err
		}
		gamma := mat.NewDense(m, n, nil)
		for i, j := range perm {
			gamma.Set(i, j, a[i])
		}
		return gamma, nil
	}
	return emdSimplex(a, b, M)
}

func isConstant(w []float64) bool {
	for _, v := range w[1:] {
		if math.Abs(v-w[0]) > massTolerance*math.Abs(w[0]) {
			return false
		}
	}
	return true
}

// emdSimplex solves the transportation linear program in standard form.
// One column constraint is dropped since it is implied by the others.
func emdSimplex(a, b []float64, M mat.Matrix) (*mat.Dense, error) {
	m, n := M.Dims()
	vars := m * n
	rows := m + n - 1

	c := make([]float64, vars)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			c[i*n+j] = M.At(i, j)
		}
	}

	scale := floats.Sum(a) / floats.Sum(b)
	A := mat.NewDense(rows, vars, nil)
	rhs := make([]float64, rows)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			A.Set(i, i*n+j, 1)
		}
		rhs[i] = a[i]
	}
	for j := 0; j < n-1; j++ {
		for i := 0; i < m; i++ {
			A.Set(m+j, i*n+j, 1)
		}
		rhs[m+j] = b[j] * scale
	}

	_, x, err := lp.Simplex(c, A, rhs, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("ot: simplex failed: %w", err)
	}
	gamma := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			gamma.Set(i, j, math.Max(x[i*n+j], 0))
		}
	}
	return gamma, nil
}

// Assignment returns, for a square cost matrix, the column assigned to each
// row in a minimum cost perfect matching. Costs must be finite.
func Assignment(M mat.Matrix) ([]int, error) {
	n, c := M.Dims()
	if n != c {
		return nil, fmt.Errorf("ot: assignment needs a square cost matrix, got %dx%d", n, c)
	}
	inf := math.Inf(1)

	// 1-based potentials; way[j] is the previous column on the augmenting path.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	match := make([]int, n+1) // match[j] is the row assigned to column j
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		match[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := match[j0]
			delta, j1 := inf, 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := M.At(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			// no reachable column: NaN or Inf costs
			if j1 == 0 {
				return nil, fmt.Errorf("%w: no finite augmenting path for row %d", ErrNonFiniteCost, i-1)
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[match[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if match[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			match[j0] = match[j1]
			j0 = j1
		}
	}

	perm := make([]int, n)
	for j := 1; j <= n; j++ {
		perm[match[j]-1] = j - 1
	}
	return perm, nil
}

// SinkhornConfig controls the entropic solver.
type SinkhornConfig struct {
	Reg     float64 // entropic regularisation, > 0
	MaxIter int
	Tol     float64 // stop when the column marginal error drops below Tol
}

// DefaultSinkhornConfig returns reg 0.1, 1000 iterations and tolerance 1e-9.
func DefaultSinkhornConfig() SinkhornConfig {
	return SinkhornConfig{Reg: 0.1, MaxIter: 1000, Tol: 1e-9}
}

// Sinkhorn returns the entropy regularised coupling, iterating in the log
// domain so small regularisations do not underflow. Weights must be
// strictly positive.
func Sinkhorn(a, b []float64, M mat.Matrix, cfg SinkhornConfig) (*mat.Dense, error) {
	if err := validate(a, b, M); err != nil {
		return nil, err
	}
	if floats.Min(a) <= 0 || floats.Min(b) <= 0 {
		return nil, fmt.Errorf("%w: sinkhorn needs strictly positive weights", ErrInvalidMarginals)
	}
	def := DefaultSinkhornConfig()
	if cfg.Reg <= 0 {
		cfg.Reg = def.Reg
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = def.MaxIter
	}
	if cfg.Tol <= 0 {
		cfg.Tol = def.Tol
	}

	m, n := M.Dims()
	loga := make([]float64, m)
	logb := make([]float64, n)
	for i, v := range a {
		loga[i] = math.Log(v)
	}
	for j, v := range b {
		logb[j] = math.Log(v)
	}

	f := make([]float64, m)
	g := make([]float64, n)
	rowTerms := make([]float64, n)
	colTerms := make([]float64, m)
	reg := cfg.Reg

	for it := 0; it < cfg.MaxIter; it++ {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				rowTerms[j] = (g[j] - M.At(i, j)) / reg
			}
			f[i] = reg * (loga[i] - floats.LogSumExp(rowTerms))
		}
		var errSum float64
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				colTerms[i] = (f[i] - M.At(i, j)) / reg
			}
			lse := floats.LogSumExp(colTerms)
			// column mass before the g update
			errSum += math.Abs(math.Exp(g[j]/reg+lse) - b[j])
			g[j] = reg * (logb[j] - lse)
		}
		if errSum < cfg.Tol {
			break
		}
	}

	gamma := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			gamma.Set(i, j, math.Exp((f[i]+g[j]-M.At(i, j))/reg))
		}
	}
	return gamma, nil
}
