package consts

const (
	SBASE = 100.0 // System power base (MVA)

	QLIMIT      = 9999.0 // Reactive power bound when no device sets one (p.u.)
	MIN_RATE    = 1e-6   // Rating assigned to branches without one (MVA)
	MAX_HELM_VM = 10.0   // HELM series is abandoned past this voltage (p.u.)
)

const (
	TOLERANCE         = 1e-6 // Mismatch norm (p.u.)
	MAX_INNER_ITER    = 25   // Newton type solvers
	MAX_OUTER_ITER    = 10   // Reactive power control rounds
	MAX_LM_ITER       = 50   // Levenberg-Marquardt
	HELM_COEFFICIENTS = 30   // Power series depth
)
