package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/clearledger/clearledger/internal/jobs"
)

func TestBackgroundJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// The expiry sweep runs every minute and must stay cheap.
	for i := 0; i < 40; i++ {
		tracker := metrics.Track("approval_expire_sweep")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending sweep tracker: %v", err)
		}
	}

	// Chain verification walks the whole ledger and is allowed to be slower.
	for i := 0; i < 10; i++ {
		tracker := metrics.Track("audit_chain_verify")
		time.Sleep(9 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending verify tracker: %v", err)
		}
	}

	// Inject failures to confirm they surface in the failure series.
	for i := 0; i < 2; i++ {
		tracker := metrics.Track("approval_expire_sweep")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(errors.New("store unavailable")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	metrics.AddExpired(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "clearledger_jobs_total", map[string]string{"job": "approval_expire_sweep", "status": "success"})
	failure := metricValue(t, families, "clearledger_jobs_total", map[string]string{"job": "approval_expire_sweep", "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no sweep executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("sweep success ratio too low: %f", ratio)
	}

	failures := metricValue(t, families, "clearledger_jobs_failures_total", map[string]string{"job": "approval_expire_sweep"})
	if failures != 2 {
		t.Fatalf("expected 2 recorded failures, got %f", failures)
	}

	sweepDuration := histogramMean(t, families, "clearledger_job_duration_seconds", map[string]string{"job": "approval_expire_sweep"})
	if sweepDuration > 0.5 {
		t.Fatalf("sweep duration above budget: %f", sweepDuration)
	}

	verifyDuration := histogramMean(t, families, "clearledger_job_duration_seconds", map[string]string{"job": "audit_chain_verify"})
	if verifyDuration > 2.0 {
		t.Fatalf("verify duration above budget: %f", verifyDuration)
	}

	expired := metricValue(t, families, "clearledger_approvals_expired_total", nil)
	if expired != 7 {
		t.Fatalf("expected 7 expired approvals recorded, got %f", expired)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
