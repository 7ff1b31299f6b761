// Package qp provides an operator splitting solver for convex quadratic
// programs, following the OSQP iteration with a cached Cholesky factor.
package qp

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/peakshave/core/optimizer"
)

// Settings tunes the ADMM iteration.
type Settings struct {
	Rho        float64 `json:"rho"`
	Sigma      float64 `json:"sigma"`
	Alpha      float64 `json:"alpha"`
	EpsAbs     float64 `json:"eps_abs"`
	EpsRel     float64 `json:"eps_rel"`
	MaxIter    int     `json:"max_iter"`
	CheckEvery int     `json:"check_every"`
	FixedRho   bool    `json:"fixed_rho"` // disables the residual based penalty update
}

// DefaultSettings returns the settings used by the controller.
func DefaultSettings() Settings {
	return Settings{
		Rho:        0.1,
		Sigma:      1e-6,
		Alpha:      1.6,
		EpsAbs:     1e-6,
		EpsRel:     1e-6,
		MaxIter:    20000,
		CheckEvery: 25,
	}
}

const (
	rhoMin        = 1e-6
	rhoMax        = 1e6
	equalityScale = 1e3
	rhoAdaptRatio = 5
)

// ADMM solves optimizer.Problem instances. It is stateless between calls and
// safe for concurrent use.
type ADMM struct {
	s Settings
}

var _ optimizer.Solver = (*ADMM)(nil)

// NewADMM returns a solver; zero fields take their default value.
func NewADMM(s Settings) *ADMM {
	d := DefaultSettings()
	if s.Rho <= 0 {
		s.Rho = d.Rho
	}
	if s.Sigma <= 0 {
		s.Sigma = d.Sigma
	}
	if s.Alpha <= 0 || s.Alpha >= 2 {
		s.Alpha = d.Alpha
	}
	if s.EpsAbs <= 0 {
		s.EpsAbs = d.EpsAbs
	}
	if s.EpsRel <= 0 {
		s.EpsRel = d.EpsRel
	}
	if s.MaxIter <= 0 {
		s.MaxIter = d.MaxIter
	}
	if s.CheckEvery <= 0 {
		s.CheckEvery = d.CheckEvery
	}
	return &ADMM{s: s}
}

// workspace holds the row scaled problem and the iterates.
type workspace struct {
	p    *optimizer.Problem
	a    *mat.Dense
	l, u []float64
	n, m int

	rho   []float64
	chol  mat.Cholesky
	sigma float64
}

// Solve runs the iteration until the residuals meet the tolerances, the
// iteration limit is hit or ctx is done.
func (s *ADMM) Solve(ctx context.Context, p *optimizer.Problem) (optimizer.Result, error) {
	if err := p.Validate(); err != nil {
		return optimizer.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return optimizer.Result{Status: optimizer.StatusInterrupted}, err
	}
	w := newWorkspace(p, s.s.Sigma)
	rhoBase := s.s.Rho
	if err := w.factor(rhoBase); err != nil {
		return optimizer.Result{}, err
	}

	n, m := w.n, w.m
	x := make([]float64, n)
	z := make([]float64, m)
	y := make([]float64, m)

	rhs := mat.NewVecDense(n, nil)
	wv := mat.NewVecDense(m, nil)
	xt := mat.NewVecDense(n, nil)
	zt := mat.NewVecDense(m, nil)
	ax := mat.NewVecDense(m, nil)
	px := mat.NewVecDense(n, nil)
	aty := mat.NewVecDense(n, nil)
	alpha := s.s.Alpha

	res := optimizer.Result{Status: optimizer.StatusMaxIterations}
	for iter := 1; iter <= s.s.MaxIter; iter++ {
		for i := 0; i < m; i++ {
			wv.SetVec(i, w.rho[i]*z[i]-y[i])
		}
		rhs.MulVec(w.a.T(), wv)
		for j := 0; j < n; j++ {
			rhs.SetVec(j, rhs.AtVec(j)+w.sigma*x[j]-p.Q[j])
		}
		if err := w.chol.SolveVecTo(xt, rhs); err != nil {
			return optimizer.Result{}, fmt.Errorf("%w: %v", optimizer.ErrSolverFailed, err)
		}
		zt.MulVec(w.a, xt)
		for j := 0; j < n; j++ {
			x[j] = alpha*xt.AtVec(j) + (1-alpha)*x[j]
		}
		for i := 0; i < m; i++ {
			zr := alpha*zt.AtVec(i) + (1-alpha)*z[i]
			zn := clip(zr+y[i]/w.rho[i], w.l[i], w.u[i])
			y[i] += w.rho[i] * (zr - zn)
			z[i] = zn
		}

		if iter%s.s.CheckEvery != 0 && iter != s.s.MaxIter {
			continue
		}
		res.Iterations = iter
		res.X = append(res.X[:0], x...)
		if err := ctx.Err(); err != nil {
			res.Status = optimizer.StatusInterrupted
			return res, err
		}

		xv := mat.NewVecDense(n, x)
		ax.MulVec(w.a, xv)
		px.MulVec(p.P, xv)
		aty.MulVec(w.a.T(), mat.NewVecDense(m, y))

		axr := ax.RawVector().Data
		pxr := px.RawVector().Data
		atyr := aty.RawVector().Data
		prim := make([]float64, m)
		floats.SubTo(prim, axr, z)
		dual := make([]float64, n)
		floats.AddTo(dual, pxr, atyr)
		floats.Add(dual, p.Q)

		rPrim := normInf(prim)
		rDual := normInf(dual)
		scaleP := math.Max(normInf(axr), normInf(z))
		scaleD := math.Max(math.Max(normInf(pxr), normInf(atyr)), normInf(p.Q))
		res.PrimalResidual, res.DualResidual = rPrim, rDual

		if rPrim <= s.s.EpsAbs+s.s.EpsRel*scaleP && rDual <= s.s.EpsAbs+s.s.EpsRel*scaleD {
			res.Status = optimizer.StatusSolved
			return res, nil
		}

		if s.s.FixedRho {
			continue
		}
		num := rPrim / math.Max(scaleP, 1e-12)
		den := rDual / math.Max(scaleD, 1e-12)
		next := rhoBase * math.Sqrt(num/math.Max(den, 1e-12))
		next = math.Min(math.Max(next, rhoMin), rhoMax)
		if next > rhoBase*rhoAdaptRatio || next < rhoBase/rhoAdaptRatio {
			rhoBase = next
			if err := w.factor(rhoBase); err != nil {
				return optimizer.Result{}, err
			}
		}
	}
	return res, nil
}

func newWorkspace(p *optimizer.Problem, sigma float64) *workspace {
	n, m := p.Dims()
	a := mat.DenseCopyOf(p.A)
	l := make([]float64, m)
	u := make([]float64, m)
	for i := 0; i < m; i++ {
		row := a.RawRowView(i)
		d := 1.0
		if norm := floats.Norm(row, 2); norm > 0 {
			d = 1 / norm
		}
		floats.Scale(d, row)
		l[i] = p.L[i] * d
		u[i] = p.U[i] * d
	}
	return &workspace{p: p, a: a, l: l, u: u, n: n, m: m, rho: make([]float64, m), sigma: sigma}
}

// factor sets the per row penalties and factorises P + σI + Aᵀ diag(ρ) A.
func (w *workspace) factor(rho float64) error {
	for i := range w.rho {
		switch {
		case math.IsInf(w.l[i], -1) && math.IsInf(w.u[i], 1):
			w.rho[i] = rhoMin
		case w.l[i] == w.u[i]:
			w.rho[i] = equalityScale * rho
		default:
			w.rho[i] = rho
		}
	}
	ra := mat.NewDense(w.m, w.n, nil)
	for i := 0; i < w.m; i++ {
		dst := ra.RawRowView(i)
		floats.ScaleTo(dst, w.rho[i], w.a.RawRowView(i))
	}
	var ata mat.Dense
	ata.Mul(w.a.T(), ra)

	k := mat.NewSymDense(w.n, nil)
	for i := 0; i < w.n; i++ {
		for j := i; j < w.n; j++ {
			v := ata.At(i, j) + w.p.P.At(i, j)
			if i == j {
				v += w.sigma
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := w.chol.Factorize(k); !ok {
		return fmt.Errorf("%w: KKT matrix not positive definite", optimizer.ErrSolverFailed)
	}
	return nil
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func normInf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, math.Inf(1))
}
