package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveCommandIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("atgw_test", reg)

	m.ObserveCommand("ok", time.Now().Add(-10*time.Millisecond))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "atgw_test_commands_total" {
			found = true
			if len(f.Metric) != 1 || f.Metric[0].Counter.GetValue() != 1 {
				t.Fatalf("commands_total metric = %+v, want single value 1", f.Metric)
			}
		}
	}
	if !found {
		t.Fatal("commands_total metric family not found after ObserveCommand")
	}
}

func TestSetMuxStateSetsOnlyActiveGaugeToOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("atgw_test2", reg)

	all := []string{"idle", "connecting", "in_transaction"}
	m.SetMuxState("connecting", all)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "atgw_test2_mux_state" {
			continue
		}
		for _, metric := range f.Metric {
			state := labelValue(metric, "state")
			want := 0.0
			if state == "connecting" {
				want = 1.0
			}
			if metric.Gauge.GetValue() != want {
				t.Fatalf("state %q gauge = %v, want %v", state, metric.Gauge.GetValue(), want)
			}
		}
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.Label {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
