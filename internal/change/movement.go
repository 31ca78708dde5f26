package change

import "math"

// Direction of a movement.
type Direction int

const (
	Flat Direction = iota
	Up
	Down
)

// Band is the magnitude class of a movement.
type Band int

const (
	BandNeutral Band = iota
	BandNormal
	BandEmphasized
	BandExtreme
)

// Magnitude thresholds, in percent.
const (
	NeutralLimit    = 0.01
	EmphasizedLimit = 5.0
	ExtremeLimit    = 10.0
)

// Movement is the classified form of a percentage change.
type Movement struct {
	Direction Direction
	Band      Band
}

// Classify maps a change to its direction and magnitude band. Non-crypto
// instruments only distinguish neutral from normal moves.
func Classify(pct float64, isCrypto bool) Movement {
	abs := math.Abs(pct)
	if abs <= NeutralLimit {
		return Movement{Direction: Flat, Band: BandNeutral}
	}

	dir := Up
	if pct < 0 {
		dir = Down
	}
	if !isCrypto {
		return Movement{Direction: dir, Band: BandNormal}
	}

	switch {
	case abs > ExtremeLimit:
		return Movement{Direction: dir, Band: BandExtreme}
	case abs > EmphasizedLimit:
		return Movement{Direction: dir, Band: BandEmphasized}
	default:
		return Movement{Direction: dir, Band: BandNormal}
	}
}
