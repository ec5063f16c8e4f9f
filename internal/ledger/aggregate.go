package ledger

import (
	"sort"

	"opsledger/internal/model"
)

type typeHour struct {
	typ  string
	hour int
}

// aggregator accumulates the groups the memory store reports from Aggregate.
type aggregator struct {
	byTypeHour map[typeHour]int64
	byActor    map[string]int64
	execSum    float64
	execN      int64
}

func newAggregator() *aggregator {
	return &aggregator{
		byTypeHour: make(map[typeHour]int64),
		byActor:    make(map[string]int64),
	}
}

func (a *aggregator) add(e *model.ActivityEvent) {
	a.byTypeHour[typeHour{typ: e.Type, hour: e.OccurredAt.UTC().Hour()}]++
	a.byActor[e.ActorID()]++
	if ms, ok := model.ExecutionMs(e.Payload); ok {
		a.execSum += ms
		a.execN++
	}
}

func (a *aggregator) result() *model.EventAggregate {
	out := &model.EventAggregate{ExecTimeSumMs: a.execSum, ExecTimeSample: a.execN}
	for k, n := range a.byTypeHour {
		out.ByTypeHour = append(out.ByTypeHour, model.TypeHourCount{Type: k.typ, Hour: k.hour, Count: n})
	}
	for actor, n := range a.byActor {
		out.ByActor = append(out.ByActor, model.ActorCount{ActorID: actor, Count: n})
	}
	SortAggregate(out)
	return out
}

// SortAggregate puts groups in a stable order: type then hour, actor id.
func SortAggregate(agg *model.EventAggregate) {
	sort.Slice(agg.ByTypeHour, func(i, j int) bool {
		a, b := agg.ByTypeHour[i], agg.ByTypeHour[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Hour < b.Hour
	})
	sort.Slice(agg.ByActor, func(i, j int) bool { return agg.ByActor[i].ActorID < agg.ByActor[j].ActorID })
}
