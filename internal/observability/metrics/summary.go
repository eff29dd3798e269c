package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ScreeningSummary is the share of screenings answered by the model versus
// the local classifier.
type ScreeningSummary struct {
	AI       uint64 `json:"ai"`
	Fallback uint64 `json:"fallback"`
}

// FallbackRate is the fraction of screenings served by the classifier.
func (s ScreeningSummary) FallbackRate() float64 {
	total := s.AI + s.Fallback
	if total == 0 {
		return 0
	}
	return float64(s.Fallback) / float64(total)
}

// SnapshotScreening reads the screening counter from the gatherer.
func SnapshotScreening(gatherer prometheus.Gatherer) ScreeningSummary {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mfs, err := gatherer.Gather()
	if err != nil {
		return ScreeningSummary{}
	}
	var family *dto.MetricFamily
	for _, mf := range mfs {
		if mf != nil && mf.GetName() == namespace+"_"+subsystem+"_screening_total" {
			family = mf
			break
		}
	}
	if family == nil {
		return ScreeningSummary{}
	}
	var out ScreeningSummary
	for _, metric := range family.Metric {
		if metric == nil || metric.GetCounter() == nil {
			continue
		}
		n := uint64(metric.GetCounter().GetValue())
		switch labelValue(metric, "source") {
		case "ai":
			out.AI += n
		case "fallback":
			out.Fallback += n
		}
	}
	return out
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
