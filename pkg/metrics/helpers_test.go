package metrics

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"
)

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// series returns the sample of family name whose label matches value.
func series(mfs []*dto.MetricFamily, name, label, value string) (*dto.Metric, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return nil, fmt.Errorf("family %q not gathered", name)
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("family %q has no %s=%q series", name, label, value)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	m, err := series(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return m.GetCounter().GetValue(), nil
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	m, err := series(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return m.GetHistogram().GetSampleSum(), nil
}
