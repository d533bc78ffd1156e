// Package exitcodes defines the exit codes of op-quarantine.
package exitcodes

// A run exits with:
//
// * Success (0): no test failed outside of quarantine
// * TestFailure (1): a test that is not quarantined failed, or a package failed to build or run
// * RuntimeErr (2): configuration errors, discovery failures and other errors unrelated to test results
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
