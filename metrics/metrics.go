package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "op_quarantine"
)

var (
	Debug                bool = true
	validOutcomes             = []types.Outcome{types.OutcomePass, types.OutcomeFail, types.OutcomePending}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	manifestFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "manifest_fetches_total",
		Help:      "Count of quarantine manifest fetches",
	}, []string{
		"result",
	})

	manifestEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "manifest_entries",
		Help:      "Number of quarantined tests in the last fetched manifest",
	})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "attempts_total",
		Help:      "Count of recorded test attempts",
	}, []string{
		"outcome",
	})

	trackerAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tracker_anomalies_total",
		Help:      "Count of attempt reports the tracker could not place",
	}, []string{
		"kind",
	})

	retryGenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "retry_generations_total",
		Help:      "Count of executed retry generations",
	}, []string{
		"run_id",
	})

	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "verdicts_total",
		Help:      "Count of test verdicts",
	}, []string{
		"run_id",
		"verdict",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of test runs",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of test runs",
	}, []string{
		"run_id",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "uploads_total",
		Help:      "Count of result uploads",
	}, []string{
		"result",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordManifestFetch(ok bool, entries int) {
	manifestFetchesTotal.WithLabelValues(resultLabel(ok)).Inc()
	if ok {
		manifestEntries.Set(float64(entries))
	}
}

func RecordAttempt(outcome types.Outcome) {
	if !slices.Contains(validOutcomes, outcome) {
		log.Error("RecordAttempt - invalid outcome", "outcome", outcome)
		return
	}
	attemptsTotal.WithLabelValues(string(outcome)).Inc()
}

func RecordTrackerAnomaly(kind string) {
	if Debug {
		log.Debug("metric inc",
			"m", "tracker_anomalies_total",
			"kind", kind)
	}
	trackerAnomaliesTotal.WithLabelValues(kind).Inc()
}

func RecordRetryGeneration(runID string) {
	retryGenerationsTotal.WithLabelValues(runID).Inc()
}

func RecordVerdict(runID string, verdict types.Verdict) {
	if !slices.Contains(types.AllVerdicts, verdict) {
		log.Error("RecordVerdict - invalid verdict", "verdict", verdict)
		return
	}
	verdictsTotal.WithLabelValues(runID, string(verdict)).Inc()
}

func RecordRun(runID string, result string, duration time.Duration) {
	runResults.WithLabelValues(runID, result).Set(1)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func RecordUpload(ok bool) {
	uploadsTotal.WithLabelValues(resultLabel(ok)).Inc()
}
