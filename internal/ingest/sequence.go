package ingest

import (
	"sort"
	"strconv"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// Order sorts a batch so that every run's events follow its parent's
// events, and events of one run are in timestamp order with "start" first
// and "end"/"error" last on ties. Events are never dropped. A parent chain
// that loops back on itself is cut at the repeated run.
func Order(events []domain.Event) []domain.Event {
	if len(events) < 2 {
		return events
	}

	var runOrder []string
	buckets := make(map[string][]int)
	parents := make(map[string]string)
	for i, ev := range events {
		key := bucketKey(ev, i)
		if _, ok := buckets[key]; !ok {
			runOrder = append(runOrder, key)
		}
		buckets[key] = append(buckets[key], i)
		if ev.ParentRunID != "" && ev.ParentRunID != key {
			if _, ok := parents[key]; !ok {
				parents[key] = ev.ParentRunID
			}
		}
	}

	visited := make(map[string]bool, len(runOrder))
	visitOrder := make([]string, 0, len(runOrder))
	for _, key := range runOrder {
		if visited[key] {
			continue
		}
		visitOrder = append(visitOrder, ancestry(key, parents, buckets, visited)...)
	}

	out := make([]domain.Event, 0, len(events))
	for _, key := range visitOrder {
		idx := buckets[key]
		sort.SliceStable(idx, func(a, b int) bool {
			ea, eb := events[idx[a]], events[idx[b]]
			if !ea.Timestamp.Equal(eb.Timestamp) {
				return ea.Timestamp.Before(eb.Timestamp)
			}
			return eventRank(ea.Event) < eventRank(eb.Event)
		})
		for _, i := range idx {
			out = append(out, events[i])
		}
	}
	return out
}

// ancestry walks from key up through unvisited ancestors present in the
// batch and returns them root first, marking each visited. The walk stops
// at a run already on the current path, which only happens on a cycle.
func ancestry(key string, parents map[string]string, buckets map[string][]int, visited map[string]bool) []string {
	onPath := make(map[string]bool)
	var chain []string
	cur := key
	for {
		if visited[cur] || onPath[cur] {
			break
		}
		if _, inBatch := buckets[cur]; !inBatch {
			break
		}
		onPath[cur] = true
		chain = append(chain, cur)
		parent, ok := parents[cur]
		if !ok {
			break
		}
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for _, k := range chain {
		visited[k] = true
	}
	return chain
}

// bucketKey groups events by run. Events without a run id, such as logs,
// each get their own bucket.
func bucketKey(ev domain.Event, i int) string {
	if ev.RunID != "" {
		return ev.RunID
	}
	return "\x00event:" + strconv.Itoa(i)
}

func eventRank(name domain.EventName) int {
	switch name {
	case domain.EventStart:
		return 0
	case domain.EventEnd, domain.EventError:
		return 2
	default:
		return 1
	}
}
