package reweight_test

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/xiaogaogaoxiao/CASE/reweight"
)

func TestNewValidatesArguments(t *testing.T) {
	if _, err := reweight.New(0, 0.15); err == nil {
		t.Error("expected an error for zero dimensions")
	}
	if _, err := reweight.New(2, 0.0); err == nil {
		t.Error("expected an error for zero variance")
	}
	if _, err := reweight.New(2, -1.0); err == nil {
		t.Error("expected an error for negative variance")
	}
}

// TestWeightDiagonal checks the weight against the closed form of the
// symmetric KL divergence for a zero-mean residual batch with a
// diagonal empirical covariance.
//
// The rows (±a, 0) and (0, ±b) have zero mean and biased covariance
// diag(a²/2, b²/2), so the divergence is
//
//	D = (1/4) Σᵢ (cᵢ/v + v/cᵢ - 2)
//
// over the covariance diagonal cᵢ.
func TestWeightDiagonal(t *testing.T) {
	const v = 0.15
	const a, b = 0.3, 0.6

	r, err := reweight.New(2, v)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}

	residuals := mat.NewDense(4, 2, []float64{
		a, 0,
		-a, 0,
		0, b,
		0, -b,
	})

	c1, c2 := a*a/2, b*b/2
	div := 0.25 * ((c1/v + v/c1 - 2) + (c2/v + v/c2 - 2))
	want := math.Exp(-div)

	got, reason := r.Weight(residuals)
	if reason != reweight.OK {
		t.Fatalf("got reason %v, expected %v", reason, reweight.OK)
	}
	if math.Abs(got-want) > 1e-10 {
		t.Errorf("got weight %v, expected %v", got, want)
	}
}

// TestWeightMeanShift checks that a nonzero residual mean adds the
// expected Mahalanobis terms to the divergence. Shifting every row by
// a constant leaves the empirical covariance unchanged and adds
//
//	(1/4) (μᵀμ/v + μᵀΣ⁻¹μ)
//
// to the divergence of the unshifted batch.
func TestWeightMeanShift(t *testing.T) {
	const v = 0.15
	const a, b = 0.3, 0.6
	const m1, m2 = 0.2, -0.1

	r, err := reweight.New(2, v)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}

	residuals := mat.NewDense(4, 2, []float64{
		a + m1, m2,
		-a + m1, m2,
		m1, b + m2,
		m1, -b + m2,
	})

	c1, c2 := a*a/2, b*b/2
	div := 0.25 * ((c1/v + v/c1 - 2) + (c2/v + v/c2 - 2))
	div += 0.25 * ((m1*m1+m2*m2)/v + m1*m1/c1 + m2*m2/c2)
	want := math.Exp(-div)

	got, reason := r.Weight(residuals)
	if reason != reweight.OK {
		t.Fatalf("got reason %v, expected %v", reason, reweight.OK)
	}
	if math.Abs(got-want) > 1e-10 {
		t.Errorf("got weight %v, expected %v", got, want)
	}
}

// TestWeightDegenerate checks that batches a distribution cannot be
// fit to get zero weight rather than an error.
func TestWeightDegenerate(t *testing.T) {
	r, err := reweight.New(2, 0.15)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}

	// A single residual cannot determine a covariance
	w, reason := r.Weight(mat.NewDense(1, 2, []float64{0.1, 0.2}))
	if w != 0 || reason != reweight.InsufficientSamples {
		t.Errorf("single residual: got (%v, %v), expected (0, %v)", w,
			reason, reweight.InsufficientSamples)
	}

	// Wrong dimensionality
	w, reason = r.Weight(mat.NewDense(3, 3, nil))
	if w != 0 || reason != reweight.InsufficientSamples {
		t.Errorf("wrong dimensions: got (%v, %v), expected (0, %v)", w,
			reason, reweight.InsufficientSamples)
	}

	// Identical residuals have a zero covariance
	w, reason = r.Weight(mat.NewDense(3, 2, []float64{
		0.1, 0.2,
		0.1, 0.2,
		0.1, 0.2,
	}))
	if w != 0 || reason != reweight.SingularCovariance {
		t.Errorf("identical residuals: got (%v, %v), expected (0, %v)", w,
			reason, reweight.SingularCovariance)
	}

	// Collinear residuals have a rank-deficient covariance
	w, reason = r.Weight(mat.NewDense(3, 2, []float64{
		1, 1,
		2, 2,
		3, 3,
	}))
	if w != 0 || reason != reweight.SingularCovariance {
		t.Errorf("collinear residuals: got (%v, %v), expected (0, %v)", w,
			reason, reweight.SingularCovariance)
	}
}

// TestWeightRange checks that any non-degenerate residual batch gets a
// weight in (0, 1]: the symmetric KL divergence is nonnegative.
func TestWeightRange(t *testing.T) {
	const dims = 3
	r, err := reweight.New(dims, 0.15)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}

	noise := distuv.Normal{Mu: 0.5, Sigma: 2.0, Src: rand.NewSource(4721)}
	for trial := 0; trial < 5; trial++ {
		residuals := mat.NewDense(16, dims, nil)
		for i := 0; i < 16; i++ {
			for j := 0; j < dims; j++ {
				residuals.Set(i, j, noise.Rand())
			}
		}

		w, reason := r.Weight(residuals)
		if reason != reweight.OK {
			t.Fatalf("got reason %v, expected %v", reason, reweight.OK)
		}
		if w <= 0 || w > 1 {
			t.Errorf("got weight %v, expected a value in (0, 1]", w)
		}
	}
}

// TestWeightNearOneForReferenceResiduals checks that residuals drawn
// from the reference distribution itself are trusted almost fully.
func TestWeightNearOneForReferenceResiduals(t *testing.T) {
	const v = 0.15
	r, err := reweight.New(2, v)
	if err != nil {
		t.Fatalf("could not create reweighter: %v", err)
	}

	// The reference is N(0, v*I), so its log density at the origin is
	// -(k/2)(ln(2π) + ln v)
	wantLogProb := -1.0 * (math.Log(2*math.Pi) + math.Log(v))
	if got := r.RefLogProb([]float64{0, 0}); math.Abs(got-wantLogProb) >
		1e-12 {
		t.Fatalf("got reference log density %v at the origin, expected %v",
			got, wantLogProb)
	}

	noise := distuv.Normal{Mu: 0, Sigma: math.Sqrt(v), Src: rand.NewSource(8)}
	residuals := mat.NewDense(1000, 2, nil)
	for i := 0; i < 1000; i++ {
		residuals.Set(i, 0, noise.Rand())
		residuals.Set(i, 1, noise.Rand())
	}

	w, reason := r.Weight(residuals)
	if reason != reweight.OK {
		t.Fatalf("got reason %v, expected %v", reason, reweight.OK)
	}
	if w < 0.8 {
		t.Errorf("got weight %v for reference residuals, expected a value "+
			"near 1", w)
	}
}
