package types

import "fmt"

// QuarantineMode controls how quarantined tests are handled
type QuarantineMode string

const (
	// QuarantineIgnoreFailures runs quarantined tests and ignores their failures
	QuarantineIgnoreFailures QuarantineMode = "ignore_failures"
	// QuarantineSkipTests never runs quarantined tests
	QuarantineSkipTests QuarantineMode = "skip_tests"
	// QuarantineDisabled treats every test as not quarantined
	QuarantineDisabled QuarantineMode = "no_quarantine"
)

// ParseQuarantineMode validates a quarantine mode. The empty string selects
// QuarantineIgnoreFailures.
func ParseQuarantineMode(s string) (QuarantineMode, error) {
	switch QuarantineMode(s) {
	case "":
		return QuarantineIgnoreFailures, nil
	case QuarantineIgnoreFailures, QuarantineSkipTests, QuarantineDisabled:
		return QuarantineMode(s), nil
	default:
		return "", fmt.Errorf("invalid quarantine mode %q, expected one of %s, %s, %s",
			s, QuarantineIgnoreFailures, QuarantineSkipTests, QuarantineDisabled)
	}
}

func (m QuarantineMode) String() string {
	return string(m)
}
