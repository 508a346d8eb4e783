package observability

import (
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// StageReport summarises one relay stage from its latency histogram.
// Quantiles are bucket estimates, interpolated the way histogram_quantile
// does it.
type StageReport struct {
	Stage     string         `json:"stage"`
	Samples   uint64         `json:"samples"`
	AvgMS     float64        `json:"avg_ms"`
	P50MS     float64        `json:"p50_ms"`
	P95MS     float64        `json:"p95_ms"`
	P99MS     float64        `json:"p99_ms"`
	BudgetMS  float64        `json:"budget_ms,omitempty"`
	OverShare float64        `json:"over_budget_share,omitempty"`
	Outcomes  map[string]int `json:"outcomes"`
}

// Indicator counts relay events that have no latency, such as barge-ins
// or ignored tool calls.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencyReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Stages      []StageReport `json:"stages"`
	Indicators  []Indicator   `json:"indicators,omitempty"`
}

// stageBucketsMS covers a fast tool call up to a slow AI handshake.
var stageBucketsMS = []float64{25, 50, 100, 200, 400, 600, 800, 1000, 1500, 2000, 3000, 5000, 10000}

type stageAgg struct {
	count    uint64
	sum      float64
	buckets  []float64
	cumCount []uint64
	outcomes map[string]int
}

// LatencyReport reads the stage histograms and indicator counters back out
// of their collectors.
func (m *Metrics) LatencyReport() LatencyReport {
	report := LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageReport{}}
	if m == nil {
		return report
	}

	aggs := make(map[string]*stageAgg)
	for _, metric := range collect(m.StageLatency) {
		h := metric.GetHistogram()
		if h == nil || h.GetSampleCount() == 0 {
			continue
		}
		labels := labelMap(metric)
		stage := labels["stage"]
		agg, ok := aggs[stage]
		if !ok {
			agg = &stageAgg{outcomes: make(map[string]int)}
			for _, b := range h.GetBucket() {
				agg.buckets = append(agg.buckets, b.GetUpperBound())
			}
			agg.cumCount = make([]uint64, len(agg.buckets))
			aggs[stage] = agg
		}
		agg.count += h.GetSampleCount()
		agg.sum += h.GetSampleSum()
		agg.outcomes[labels["outcome"]] += int(h.GetSampleCount())
		for i, b := range h.GetBucket() {
			if i < len(agg.cumCount) {
				agg.cumCount[i] += b.GetCumulativeCount()
			}
		}
	}

	for stage, agg := range aggs {
		r := StageReport{
			Stage:    stage,
			Samples:  agg.count,
			AvgMS:    round2(agg.sum / float64(agg.count)),
			P50MS:    round2(bucketQuantile(0.50, agg)),
			P95MS:    round2(bucketQuantile(0.95, agg)),
			P99MS:    round2(bucketQuantile(0.99, agg)),
			Outcomes: agg.outcomes,
		}
		if budget, ok := m.budgets[stage]; ok {
			r.BudgetMS = float64(budget.Milliseconds())
			r.OverShare = round2(1 - float64(countAtOrBelow(r.BudgetMS, agg))/float64(agg.count))
		}
		report.Stages = append(report.Stages, r)
	}
	sort.Slice(report.Stages, func(i, j int) bool { return report.Stages[i].Stage < report.Stages[j].Stage })

	for _, metric := range collect(m.Indicators) {
		n := int(metric.GetCounter().GetValue())
		if n <= 0 {
			continue
		}
		report.Indicators = append(report.Indicators, Indicator{Name: labelMap(metric)["name"], Count: n})
	}
	sort.Slice(report.Indicators, func(i, j int) bool { return report.Indicators[i].Name < report.Indicators[j].Name })
	return report
}

func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for pm := range ch {
		var metric dto.Metric
		if err := pm.Write(&metric); err != nil {
			continue
		}
		out = append(out, &metric)
	}
	return out
}

func labelMap(metric *dto.Metric) map[string]string {
	out := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// bucketQuantile interpolates linearly inside the bucket holding the rank.
// Ranks past the last finite bucket report that bucket's upper bound.
func bucketQuantile(q float64, agg *stageAgg) float64 {
	if agg.count == 0 || len(agg.buckets) == 0 {
		return 0
	}
	rank := q * float64(agg.count)
	lower, prev := 0.0, uint64(0)
	for i, upper := range agg.buckets {
		cum := agg.cumCount[i]
		if float64(cum) >= rank {
			inBucket := cum - prev
			if inBucket == 0 {
				return upper
			}
			return lower + (upper-lower)*(rank-float64(prev))/float64(inBucket)
		}
		lower, prev = upper, cum
	}
	return agg.buckets[len(agg.buckets)-1]
}

// countAtOrBelow is exact when the budget sits on a bucket bound and
// otherwise counts the nearest lower bucket.
func countAtOrBelow(budgetMS float64, agg *stageAgg) uint64 {
	var n uint64
	for i, upper := range agg.buckets {
		if upper > budgetMS {
			break
		}
		n = agg.cumCount[i]
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
