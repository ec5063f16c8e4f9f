package analytics

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"opsledger/internal/model"
)

// Property: the total is the sum of all buckets and the peak hour carries the
// highest hourly count, choosing the earliest hour among equals.
func TestSummarizePeakHourProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	properties.Property("peak hour is the earliest busiest hour", prop.ForAll(
		func(hours []int, counts []int) bool {
			agg := &model.EventAggregate{}
			var hourly [24]int64
			var total int64
			for i, h := range hours {
				c := int64(counts[i%len(counts)])
				typ := "t.a"
				if i%2 == 1 {
					typ = "t.b"
				}
				agg.ByTypeHour = append(agg.ByTypeHour, model.TypeHourCount{Type: typ, Hour: h, Count: c})
				hourly[h] += c
				total += c
			}
			s := Summarize("acme", from, to, agg, from)
			if s.Total != total {
				return false
			}
			if total == 0 {
				return s.PeakHour == -1
			}
			if s.PeakHour < 0 {
				return false
			}
			for h := 0; h < 24; h++ {
				if hourly[h] > hourly[s.PeakHour] {
					return false
				}
				if h < s.PeakHour && hourly[h] == hourly[s.PeakHour] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.IntRange(0, 23)),
		gen.SliceOfN(5, gen.IntRange(0, 4)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}
