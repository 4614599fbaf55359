/*
derive.go - Derived-field recomputation

PURPOSE:
  Pass/fail, hit count, and score are derived fields: pure functions of
  the row's currently stored counters and the agency's effective targets.
  No writer supplies them, no writer needs to know the scoring rules, and
  recomputation runs reactively after every raw write (merge.go wraps it
  around every mutation).

CRITICAL INVARIANT:
  Recompute reads the already-merged stored values, never the payload a
  particular writer submitted. When the monotonic rule kept a higher
  stored value than the triggering writer reported, the derived fields
  reflect the stored value.

FORMULA:
  hits  = count of configured targets with stored value >= target
  pass  = hits >= required-hit threshold (agency config; default: all)
  score = 100 * hits / configured targets, 2 decimal places
*/
package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/kpi"
)

var hundred = decimal.NewFromInt(100)

// Recompute rewrites the derived fields of a from its stored counters.
// Pure with respect to a's raw state: calling it twice with no
// intervening raw write yields identical results.
func Recompute(a *DailyAggregate, targets kpi.TargetSet) {
	hits := 0
	for slug, target := range targets.Targets {
		if a.ValueFor(slug).GreaterThanOrEqual(target) {
			hits++
		}
	}

	a.Hits = hits
	a.Pass = len(targets.Targets) > 0 && hits >= targets.Required()

	if len(targets.Targets) == 0 {
		a.Score = decimal.Zero
		return
	}
	a.Score = hundred.
		Mul(decimal.NewFromInt(int64(hits))).
		Div(decimal.NewFromInt(int64(len(targets.Targets)))).
		Round(2)
}
