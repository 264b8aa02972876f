package mathx

import "golang.org/x/exp/constraints"

// PercentOf returns (full/100)*pct. The step is computed first so the
// result truncates the same way as firmware integer scaling. No clamping.
func PercentOf[T constraints.Unsigned](full, pct T) T {
	return (full / 100) * pct
}
