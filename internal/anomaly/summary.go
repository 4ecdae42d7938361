package anomaly

import (
	"sort"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// Summary aggregates raw scanner output for presentation.
type Summary struct {
	Total         int                         `json:"total"`
	ByType        map[domain.AnomalyType]int  `json:"by_type"`
	ByDate        map[string][]domain.Anomaly `json:"by_date"`
	Anomalies     []domain.Anomaly            `json:"anomalies"`
	MaxConfidence float64                     `json:"max_confidence"`
	ConfidenceP50 float64                     `json:"confidence_p50"`
	ConfidenceP90 float64                     `json:"confidence_p90"`
}

// Summarize sorts anomalies by confidence (highest first), groups them by UTC
// date and counts them per type.
func Summarize(anomalies []domain.Anomaly) (Summary, error) {
	sorted := append([]domain.Anomaly(nil), anomalies...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	s := Summary{
		Total:     len(sorted),
		ByType:    make(map[domain.AnomalyType]int),
		ByDate:    make(map[string][]domain.Anomaly),
		Anomalies: sorted,
	}
	if len(sorted) == 0 {
		return s, nil
	}
	confs := make([]float64, len(sorted))
	for i, a := range sorted {
		s.ByType[a.Type]++
		day := a.Timestamp.UTC().Format("2006-01-02")
		s.ByDate[day] = append(s.ByDate[day], a)
		confs[i] = a.Confidence
	}
	s.MaxConfidence = sorted[0].Confidence

	var err error
	if s.ConfidenceP50, err = quantile(confs, 0.5); err != nil {
		return Summary{}, err
	}
	if s.ConfidenceP90, err = quantile(confs, 0.9); err != nil {
		return Summary{}, err
	}
	return s, nil
}
