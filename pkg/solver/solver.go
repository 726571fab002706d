package solver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

var ErrUnknownKind = errors.New("solver: unknown kind")

type Kind int

const (
	NewtonRaphson Kind = iota + 1
	Iwamoto
	LevenbergMarquardt
	HELM
	FastDecoupled
	DC
)

func (k Kind) String() string {
	switch k {
	case NewtonRaphson:
		return "Newton-Raphson"
	case Iwamoto:
		return "Iwamoto-Newton-Raphson"
	case LevenbergMarquardt:
		return "Levenberg-Marquardt"
	case HELM:
		return "HELM"
	case FastDecoupled:
		return "Fast-Decoupled"
	case DC:
		return "DC approximation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts the short names used on the command line and in case
// files: nr, iwamoto, lm, helm, fdpf, dc.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nr", "newton", "newton-raphson":
		return NewtonRaphson, nil
	case "iwamoto", "inr":
		return Iwamoto, nil
	case "lm", "levenberg-marquardt":
		return LevenbergMarquardt, nil
	case "helm":
		return HELM, nil
	case "fdpf", "fast-decoupled":
		return FastDecoupled, nil
	case "dc":
		return DC, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Input is one island's compiled system in per unit. Index sets are local
// to the island. Solvers never modify the slices they receive.
type Input struct {
	Ybus    *matrix.Sparse
	Yseries *matrix.Sparse
	Yshunt  []complex128
	B1, B2  *matrix.Sparse

	Sbus []complex128
	Ibus []complex128
	V0   []complex128

	PV, PQ, Ref, PQPV []int

	Tolerance        float64
	MaxIter          int
	HelmCoefficients int

	Logger  *slog.Logger
	Verbose bool // Dump the first Jacobian at debug level
}

// Output is what a solver found. A solver that did not converge still
// returns its best voltage.
type Output struct {
	V          []complex128
	Scalc      []complex128
	Converged  bool
	Norm       float64
	Iterations int
	Elapsed    time.Duration
	Method     Kind
}

func (in *Input) validate() error {
	n := len(in.V0)
	if in.Ybus == nil || in.Ybus.Rows() != n || in.Ybus.Cols() != n {
		return fmt.Errorf("%w: admittance matrix does not match %d buses", matrix.ErrDimension, n)
	}
	if len(in.Sbus) != n || len(in.Ibus) != n {
		return fmt.Errorf("%w: injections do not match %d buses", matrix.ErrDimension, n)
	}
	for _, set := range [][]int{in.PV, in.PQ, in.Ref, in.PQPV} {
		for _, i := range set {
			if i < 0 || i >= n {
				return fmt.Errorf("%w: bus index %d outside 0..%d", matrix.ErrDimension, i, n-1)
			}
		}
	}
	return nil
}

func (in *Input) defaults() {
	if in.Tolerance <= 0 {
		in.Tolerance = consts.TOLERANCE
	}
	if in.MaxIter <= 0 {
		in.MaxIter = consts.MAX_INNER_ITER
	}
	if in.HelmCoefficients <= 0 {
		in.HelmCoefficients = consts.HELM_COEFFICIENTS
	}
	if in.Logger == nil {
		in.Logger = slog.Default()
	}
}

// Solve runs one solver. Errors are reserved for malformed input; failing
// to converge is reported through Output.Converged.
func Solve(kind Kind, in Input) (Output, error) {
	if kind == LevenbergMarquardt && in.MaxIter <= 0 {
		in.MaxIter = consts.MAX_LM_ITER
	}
	in.defaults()
	if err := in.validate(); err != nil {
		return Output{}, err
	}

	start := time.Now()
	var out Output
	switch kind {
	case NewtonRaphson:
		out = newtonRaphson(&in, false)
	case Iwamoto:
		out = newtonRaphson(&in, true)
	case LevenbergMarquardt:
		out = levenbergMarquardt(&in)
	case HELM:
		if in.Yseries == nil {
			return Output{}, fmt.Errorf("%w: HELM needs the series admittance matrix", matrix.ErrDimension)
		}
		out = helm(&in)
	case FastDecoupled:
		if in.B1 == nil || in.B2 == nil {
			return Output{}, fmt.Errorf("%w: fast decoupled needs B' and B''", matrix.ErrDimension)
		}
		out = fastDecoupled(&in)
	case DC:
		out = dcApproximation(&in)
	default:
		return Output{}, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	out.Method = kind
	out.Elapsed = time.Since(start)

	in.Logger.Debug("Solver finished",
		"method", kind.String(),
		"converged", out.Converged,
		"norm", out.Norm,
		"iterations", out.Iterations,
		"elapsed", out.Elapsed)
	return out, nil
}
