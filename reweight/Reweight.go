// Package reweight implements trust weighting of shared experience.
//
// An agent that learns from transitions recorded by other agents must
// account for the fact that those transitions were generated by
// behaviour policies different from its own. This package measures
// that difference: given the residuals between the stored actions and
// the actions the learning agent's current policy would have taken, it
// fits an empirical Gaussian to the residuals and computes the
// symmetric KL divergence between that Gaussian and a fixed, zero-mean
// reference. The weight exp(-divergence) is then near 1 when the
// residuals look like reference noise and near 0 when they do not.
package reweight

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Reason describes why a Reweighter produced the weight it did.
type Reason int

const (
	// OK indicates the weight was computed from the fitted residual
	// distribution
	OK Reason = iota

	// InsufficientSamples indicates too few residuals were given to
	// fit a distribution, so the weight was set to 0
	InsufficientSamples

	// SingularCovariance indicates the fitted residual covariance was
	// not positive definite or led to a non-finite divergence, so the
	// weight was set to 0
	SingularCovariance
)

// String implements the fmt.Stringer interface
func (r Reason) String() string {
	switch r {
	case OK:
		return "ok"
	case InsufficientSamples:
		return "insufficient samples"
	case SingularCovariance:
		return "singular covariance"
	}
	return "unknown"
}

// Reweighter computes trust weights for batches of action residuals.
// The reference distribution is an isotropic Gaussian N(0, variance*I)
// over the action space, fixed at construction.
type Reweighter struct {
	dims     int
	variance float64
	ref      *distmv.Normal
}

// New returns a new Reweighter over an action space with dims
// dimensions and a reference distribution N(0, variance*I).
func New(dims int, variance float64) (*Reweighter, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("new: dims must be > 0")
	}
	if variance <= 0 {
		return nil, fmt.Errorf("new: variance must be > 0")
	}

	refCov := make([]float64, dims)
	for i := range refCov {
		refCov[i] = variance
	}
	ref, ok := distmv.NewNormal(
		make([]float64, dims),
		mat.NewDiagDense(dims, refCov),
		rand.NewSource(1),
	)
	if !ok {
		return nil, fmt.Errorf("new: reference covariance not positive " +
			"definite")
	}

	return &Reweighter{
		dims:     dims,
		variance: variance,
		ref:      ref,
	}, nil
}

// Dims returns the dimensionality of the action space the Reweighter
// operates on
func (r *Reweighter) Dims() int {
	return r.dims
}

// Variance returns the per-dimension variance of the reference
// distribution
func (r *Reweighter) Variance() float64 {
	return r.variance
}

// RefLogProb returns the log probability of x under the reference
// distribution
func (r *Reweighter) RefLogProb(x []float64) float64 {
	return r.ref.LogProb(x)
}

// Weight computes the trust weight for a batch of residuals, given as
// a matrix with one residual vector per row. The weight is
// exp(-divergence), where divergence is the symmetric KL divergence
// between the empirical Gaussian fit to the residuals and the
// reference distribution.
//
// When a distribution cannot be fit to the residuals, Weight returns
// a weight of 0 and a Reason describing the failure. Weight never
// returns an error: an untrustworthy fit means untrusted data.
func (r *Reweighter) Weight(residuals mat.Matrix) (float64, Reason) {
	n, k := residuals.Dims()
	if k != r.dims {
		return 0, InsufficientSamples
	}
	if n < 2 {
		return 0, InsufficientSamples
	}

	mu, sigma := fitGaussian(residuals)

	div, ok := r.symmetricKL(mu, sigma)
	if !ok || !finite(div) {
		return 0, SingularCovariance
	}

	return math.Exp(-div), OK
}

// fitGaussian computes the maximum likelihood mean and covariance of
// the rows of x. The covariance is the biased estimate, normalized by
// the number of rows.
func fitGaussian(x mat.Matrix) (*mat.VecDense, *mat.SymDense) {
	n, k := x.Dims()

	mu := mat.NewVecDense(k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			mu.SetVec(j, mu.AtVec(j)+x.At(i, j))
		}
	}
	mu.ScaleVec(1.0/float64(n), mu)

	centered := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			centered.Set(i, j, x.At(i, j)-mu.AtVec(j))
		}
	}

	var outer mat.Dense
	outer.Mul(centered.T(), centered)
	outer.Scale(1.0/float64(n), &outer)

	sigma := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sigma.SetSym(i, j, outer.At(i, j))
		}
	}

	return mu, sigma
}

// symmetricKL computes the symmetric KL divergence between the
// Gaussian N(mu, sigma) and the reference N(0, variance*I), as the
// average of the two directed divergences. The ok return is false if
// sigma is not positive definite.
func (r *Reweighter) symmetricKL(mu *mat.VecDense, sigma *mat.SymDense) (
	float64, bool) {
	k := float64(r.dims)
	v := r.variance

	var chol mat.Cholesky
	if ok := chol.Factorize(sigma); !ok {
		return 0, false
	}
	logDet := chol.LogDet()

	// KL(fit || ref) has closed form in tr(sigma), mu, and log det
	trSigma := 0.0
	for i := 0; i < r.dims; i++ {
		trSigma += sigma.At(i, i)
	}
	muSq := mat.Dot(mu, mu)
	klFitRef := 0.5 * (trSigma/v + muSq/v - k + k*math.Log(v) - logDet)

	// KL(ref || fit) needs sigma's inverse, taken through the Cholesky
	// factors
	var sigmaInv mat.SymDense
	if err := chol.InverseTo(&sigmaInv); err != nil {
		return 0, false
	}
	trInv := 0.0
	for i := 0; i < r.dims; i++ {
		trInv += sigmaInv.At(i, i)
	}

	solved := mat.NewVecDense(r.dims, nil)
	if err := chol.SolveVecTo(solved, mu); err != nil {
		return 0, false
	}
	mahalanobis := mat.Dot(mu, solved)
	klRefFit := 0.5 * (v*trInv + mahalanobis - k + logDet - k*math.Log(v))

	return (klFitRef + klRefFit) / 2.0, true
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
