package supervisor

import (
	"sort"

	"github.com/lionheart1022/stream-observer/internal/handler"
)

// selectWinner reproduces the source fleet's verdict tally exactly: count
// each distinct verdict's frequency, sort the (verdict, count) pairs
// ascending by count, and return the first pair's verdict — i.e. the
// LEAST frequent verdict wins ties toward whichever value first appeared.
// This is not a mistake on our part; spec.md §9 requires the behavior be
// reproduced bit-for-bit rather than "fixed" to majority-wins.
func selectWinner(verdicts []handler.Verdict) handler.Verdict {
	type pair struct {
		verdict handler.Verdict
		count   int
	}

	order := make([]handler.Verdict, 0, len(verdicts))
	counts := make(map[handler.Verdict]int, len(verdicts))
	for _, v := range verdicts {
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}

	pairs := make([]pair, len(order))
	for i, v := range order {
		pairs[i] = pair{verdict: v, count: counts[v]}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].count < pairs[j].count })

	return pairs[0].verdict
}
