package runner

import (
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// BuildTestRunRecords converts verdicts into the upload payload. Tests
// without a passed or failed attempt are left out, and so are pending
// attempts. Identities are capped to what the backend stores. A parent that
// only inherited quarantine from its subtests uploads its failures as fail,
// since the backend has no quarantine entry for it.
func BuildTestRunRecords(verdicts []TestVerdict) []types.TestRunRecord {
	records := make([]types.TestRunRecord, 0, len(verdicts))
	for _, v := range verdicts {
		var attempts []types.AttemptRecord
		for i, a := range v.Attempts {
			if !a.Outcome.IsTerminal() {
				continue
			}
			record := types.AttemptRecord{
				StartTime:  a.StartedAt,
				DurationMs: a.DurationMs(),
				Result:     attemptResult(a.Outcome, v.Quarantined && !v.QuarantineInherited),
			}
			if i < len(v.Independent) && v.Independent[i] {
				record.FailureReason = types.FailureReasonIndependent
			}
			attempts = append(attempts, record)
		}
		if len(attempts) == 0 {
			continue
		}
		ref := v.Ref.BackendRef()
		records = append(records, types.TestRunRecord{
			Filename: ref.Filename,
			Name:     ref.TitlePath,
			Attempts: attempts,
		})
	}
	return records
}

func attemptResult(outcome types.Outcome, quarantined bool) types.AttemptResult {
	switch {
	case outcome == types.OutcomePass:
		return types.AttemptResultPass
	case quarantined:
		return types.AttemptResultQuarantined
	default:
		return types.AttemptResultFail
	}
}

// BuildCreateRunRequest assembles the upload request of a run
func BuildCreateRunRequest(verdicts []TestVerdict, branch, commit string, start, end time.Time) *types.CreateRunRequest {
	return &types.CreateRunRequest{
		Branch:    branch,
		Commit:    commit,
		StartTime: start,
		EndTime:   end,
		TestRuns:  BuildTestRunRecords(verdicts),
	}
}
