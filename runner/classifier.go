package runner

import (
	"fmt"
	"regexp"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// IndependencePredicate reports whether a failed attempt should be attributed
// to the environment rather than to the test
type IndependencePredicate func(ref types.TestRef, attempt types.Attempt) bool

// PatternIndependence returns a predicate that marks an attempt independent
// when any of its failure messages matches one of the patterns
func PatternIndependence(patterns []string) (IndependencePredicate, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid independent failure pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return func(_ types.TestRef, attempt types.Attempt) bool {
		for _, f := range attempt.Errors {
			for _, re := range compiled {
				if re.MatchString(f.Message) || (f.Stack != "" && re.MatchString(f.Stack)) {
					return true
				}
			}
		}
		return false
	}, nil
}

// Classifier derives verdicts from attempt histories. It holds no state
// besides its configuration.
type Classifier struct {
	// SkipQuarantined is set when quarantined tests are excluded before
	// they execute
	SkipQuarantined bool
	Independent     IndependencePredicate
}

// NewClassifier creates a classifier
func NewClassifier(skipQuarantined bool, independent IndependencePredicate) *Classifier {
	return &Classifier{SkipQuarantined: skipQuarantined, Independent: independent}
}

// IsIndependent reports whether a failed attempt is test-independent
func (c *Classifier) IsIndependent(ref types.TestRef, attempt types.Attempt) bool {
	return attempt.Outcome == types.OutcomeFail && c.Independent != nil && c.Independent(ref, attempt)
}

// counted filters the attempts that take part in flaky/fail accounting
func (c *Classifier) counted(ref types.TestRef, attempts []types.Attempt) []types.Attempt {
	var counted []types.Attempt
	for _, a := range attempts {
		if !a.Outcome.IsTerminal() || c.IsIndependent(ref, a) {
			continue
		}
		counted = append(counted, a)
	}
	return counted
}

// Classify returns the verdict of a test. Attempts must be ordered by index.
func (c *Classifier) Classify(ref types.TestRef, attempts []types.Attempt, quarantined bool) types.Verdict {
	counted := c.counted(ref, attempts)
	if len(counted) == 0 {
		if quarantined && c.SkipQuarantined {
			return types.VerdictQuarantinedPending
		}
		return types.VerdictSkipped
	}

	final := counted[len(counted)-1]
	if final.Outcome == types.OutcomePass {
		switch {
		case len(counted) == 1:
			return types.VerdictPass
		case quarantined:
			return types.VerdictQuarantinedFlaky
		default:
			return types.VerdictFlaky
		}
	}
	if quarantined {
		return types.VerdictQuarantinedFail
	}
	return types.VerdictFail
}
