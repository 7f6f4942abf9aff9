// Package kfac trains fully-connected tanh/log-softmax classifiers with a
// Kronecker-factored curvature preconditioner.  Per-layer second-moment
// factors of input activations and of pre-activation gradients (under
// targets sampled from the model itself) are maintained on their own
// schedules, inverted with a ridge term, and applied to raw gradients
// inside a momentum update on the flattened parameter vector.
package kfac

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Objective evaluates the training objective and its gradient for the
// batch associated with an iteration index.
type Objective func(p Params, iter int) (float64, Params)

// BatchFunc supplies the input rows used for statistics collection at a
// given iteration.
type BatchFunc func(iter int) *mat.Dense

// Callback observes progress once per iteration, after the objective
// evaluation and before any statistics or preconditioner updates.  It
// must not mutate its arguments.
type Callback func(p Params, iter int, grad Params)

// DefaultMu is the momentum coefficient used when Config.Mu is zero.
const DefaultMu = 0.9

// Config holds the optimizer's hyperparameters.
type Config struct {
	// StepSize scales the momentum term into the parameter update.
	StepSize float64
	// NumIters is the total number of iterations Run performs.
	NumIters int
	// NumSamples is the number of rows drawn (with replacement) from the
	// batch at each statistics collection.
	NumSamples int

	// The three independent schedules.  An event fires on iteration i
	// when (i+1) is divisible by the period.  ReestimatePeriod must be a
	// multiple of SamplePeriod so that every re-estimation window has
	// accumulated at least one collection.
	SamplePeriod        int
	ReestimatePeriod    int
	UpdatePrecondPeriod int

	// Lambda is the ridge term added to each factor before inversion.
	Lambda float64
	// Eps is the exponential smoothing coefficient for factor estimates.
	Eps float64
	// Mu is the momentum coefficient in [0, 1).  Zero selects DefaultMu.
	Mu float64
}

func (cfg *Config) validate() error {
	if cfg.Mu == 0 {
		cfg.Mu = DefaultMu
	}
	if cfg.NumIters <= 0 {
		return fmt.Errorf("NumIters must be positive, got %d", cfg.NumIters)
	}
	if cfg.NumSamples <= 0 {
		return fmt.Errorf("NumSamples must be positive, got %d", cfg.NumSamples)
	}
	if cfg.SamplePeriod <= 0 || cfg.ReestimatePeriod <= 0 || cfg.UpdatePrecondPeriod <= 0 {
		return fmt.Errorf("all periods must be positive, got sample=%d reestimate=%d precond=%d",
			cfg.SamplePeriod, cfg.ReestimatePeriod, cfg.UpdatePrecondPeriod)
	}
	if cfg.ReestimatePeriod%cfg.SamplePeriod != 0 {
		return fmt.Errorf("ReestimatePeriod (%d) must be a multiple of SamplePeriod (%d), otherwise re-estimation windows can close with no samples",
			cfg.ReestimatePeriod, cfg.SamplePeriod)
	}
	if cfg.Lambda < 0 {
		return fmt.Errorf("Lambda must be non-negative, got %v", cfg.Lambda)
	}
	if cfg.Eps < 0 || cfg.Eps > 1 {
		return fmt.Errorf("Eps must be in [0, 1], got %v", cfg.Eps)
	}
	if cfg.Mu < 0 || cfg.Mu >= 1 {
		return fmt.Errorf("Mu must be in [0, 1), got %v", cfg.Mu)
	}
	return nil
}

// Optimizer carries the training loop's state.  All of it is owned by the
// loop; statistics, factors, and preconditioner are replaced wholesale at
// their scheduled events rather than mutated.
type Optimizer struct {
	cfg       Config
	arch      Arch
	objective Objective
	getBatch  BatchFunc
	callback  Callback
	r         *rand.Rand

	params   Params
	momentum []float64
	stats    []LayerStats
	factors  []LayerFactors
	precond  []LayerPrecond
	iter     int
}

// MakeOptimizer validates the configuration and builds the initial state:
// zeroed statistics, identity factors, the preconditioner of the identity
// factors, and zero momentum.
func MakeOptimizer(objective Objective, getBatch BatchFunc, arch Arch, initParams Params, cfg Config, callback Callback, r *rand.Rand) (*Optimizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	arch.Check(initParams)

	factors := MakeFactors(arch)
	precond, err := ComputePrecond(factors, cfg.Lambda)
	if err != nil {
		return nil, fmt.Errorf("while building initial preconditioner: %w", err)
	}

	return &Optimizer{
		cfg:       cfg,
		arch:      arch,
		objective: objective,
		getBatch:  getBatch,
		callback:  callback,
		r:         r,
		params:    initParams,
		momentum:  make([]float64, arch.NumParams()),
		stats:     MakeStats(arch),
		factors:   factors,
		precond:   precond,
	}, nil
}

// Params returns the current parameters.
func (o *Optimizer) Params() Params {
	return o.params
}

// Iter returns the number of completed iterations.
func (o *Optimizer) Iter() int {
	return o.iter
}

// Step runs one iteration: objective and gradient, callback, the three
// scheduled maintenance events in collect / re-estimate / rebuild order,
// then the preconditioned momentum update.  A failed maintenance event
// leaves all prior state intact and stops the step before the parameters
// are touched.
func (o *Optimizer) Step() error {
	_, grad := o.objective(o.params, o.iter)

	if o.callback != nil {
		o.callback(o.params, o.iter, grad)
	}

	if (o.iter+1)%o.cfg.SamplePeriod == 0 {
		fresh, err := CollectStats(o.params, o.getBatch(o.iter), o.cfg.NumSamples, o.r)
		if err != nil {
			return fmt.Errorf("while collecting statistics at iteration %d: %w", o.iter, err)
		}
		o.stats = AddStats(o.stats, fresh)
	}

	if (o.iter+1)%o.cfg.ReestimatePeriod == 0 {
		factors, err := UpdateFactorEstimates(o.factors, o.stats, o.cfg.Eps)
		if err != nil {
			return fmt.Errorf("while re-estimating factors at iteration %d: %w", o.iter, err)
		}
		o.factors = factors
		o.stats = MakeStats(o.arch)
	}

	if (o.iter+1)%o.cfg.UpdatePrecondPeriod == 0 {
		precond, err := ComputePrecond(o.factors, o.cfg.Lambda)
		if err != nil {
			return fmt.Errorf("while rebuilding preconditioner at iteration %d: %w", o.iter, err)
		}
		o.precond = precond
	}

	natgrad := Flatten(ApplyPrecond(o.precond, grad))
	floats.Scale(o.cfg.Mu, o.momentum)
	floats.AddScaled(o.momentum, -(1 - o.cfg.Mu), natgrad)

	flat := Flatten(o.params)
	floats.AddScaled(flat, o.cfg.StepSize, o.momentum)
	o.params = o.arch.Unflatten(flat)

	o.iter++
	return nil
}

// Run performs the configured number of iterations and returns the final
// parameters.  There is no convergence detection; the loop runs exactly
// Config.NumIters iterations.
func (o *Optimizer) Run() (Params, error) {
	for o.iter < o.cfg.NumIters {
		if err := o.Step(); err != nil {
			return o.params, err
		}
	}
	return o.params, nil
}

// KFAC builds an Optimizer and runs it to completion.
func KFAC(objective Objective, getBatch BatchFunc, arch Arch, initParams Params, cfg Config, callback Callback, r *rand.Rand) (Params, error) {
	o, err := MakeOptimizer(objective, getBatch, arch, initParams, cfg, callback, r)
	if err != nil {
		return nil, err
	}
	return o.Run()
}
