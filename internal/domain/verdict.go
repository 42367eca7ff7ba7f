package domain

import "fmt"

// Verdict classifies the outcome of a task or stage. Values are ordered by
// severity so that parallel results can be folded with MaxVerdict.
type Verdict int

const (
	VerdictNotSet Verdict = iota
	VerdictPass
	VerdictInconclusive
	VerdictFail
	VerdictCancel
	VerdictError
)

var verdictNames = [...]string{"NotSet", "Pass", "Inconclusive", "Fail", "Cancel", "Error"}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// ParseVerdict returns the verdict with the given name
func ParseVerdict(name string) (Verdict, error) {
	for i, n := range verdictNames {
		if n == name {
			return Verdict(i), nil
		}
	}
	return VerdictNotSet, fmt.Errorf("unrecognized verdict %q", name)
}

// MaxVerdict returns the more severe of two verdicts
func MaxVerdict(a, b Verdict) Verdict {
	if b > a {
		return b
	}
	return a
}
