package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-conform/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "conform"
)

var (
	Debug                bool = true
	validCaseStatuses         = []types.CaseStatus{types.CaseStatusPass, types.CaseStatusFail, types.CaseStatusSkip}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of runs by mode, status and failure kind",
	}, []string{
		"mode",
		"status",
		"kind",
	})

	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cases_total",
		Help:      "Count of conformance cases by result",
	}, []string{
		"result",
	})

	stageDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of the last execution of each run stage",
	}, []string{
		"stage",
		"outcome",
	})

	installCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "install_cache_total",
		Help:      "Installer cache lookups",
	}, []string{
		"result",
	})

	healthzRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "healthz_requests_total",
		Help:      "Liveness probes answered during a run",
	})

	processTerminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "process_terminations_total",
		Help:      "Server teardowns by termination method",
	}, []string{
		"method",
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

func RecordRun(mode types.RunMode, status string, kind string) {
	runsTotal.WithLabelValues(string(mode), status, kind).Inc()
}

func RecordCase(status types.CaseStatus) {
	if !slices.Contains(validCaseStatuses, status) {
		log.Error("RecordCase - invalid status", "status", status)
		return
	}
	casesTotal.WithLabelValues(string(status)).Inc()
}

func RecordStage(stage string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if Debug {
		log.Debug("metric set",
			"m", "stage_duration_seconds",
			"stage", stage,
			"outcome", outcome,
			"duration", duration)
	}
	stageDuration.WithLabelValues(stage, outcome).Set(duration.Seconds())
}

func RecordInstallCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	installCacheTotal.WithLabelValues(result).Inc()
}

func RecordTermination(method string) {
	processTerminationsTotal.WithLabelValues(method).Inc()
}

func RecordHealthzRequest() {
	healthzRequestsTotal.Inc()
}
