package util

import (
	"math"
	"time"
)

func floorDiv(a, b int64) (q, r int64) {
	q, r = a/b, a%b
	if r < 0 {
		q--
		r += b
	}
	return
}

// TicksToDuration converts media ticks to a duration, rounding toward
// negative infinity. Results outside the duration range saturate.
func TicksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := int64(timescale)
	q, r := floorDiv(ticks, ts)
	frac := r * int64(time.Second) / ts
	if q < 0 {
		// borrow a second so the whole part stays in range near the minimum
		q, frac = q+1, frac-int64(time.Second)
		if q < math.MinInt64/int64(time.Second) {
			return math.MinInt64
		}
		whole := q * int64(time.Second)
		if whole < math.MinInt64-frac {
			return math.MinInt64
		}
		return time.Duration(whole + frac)
	}
	if q > math.MaxInt64/int64(time.Second) {
		return math.MaxInt64
	}
	whole := q * int64(time.Second)
	if whole > math.MaxInt64-frac {
		return math.MaxInt64
	}
	return time.Duration(whole + frac)
}

// DurationToTicks returns the largest tick count whose duration does not
// exceed d, so that DurationToTicks(TicksToDuration(x)) == x. The extreme
// durations map to the extreme tick counts.
func DurationToTicks(d time.Duration, timescale uint32) int64 {
	if timescale == 0 {
		return 0
	}
	switch d {
	case math.MaxInt64:
		return math.MaxInt64
	case math.MinInt64:
		return math.MinInt64
	}
	ts := int64(timescale)
	q, r := floorDiv(int64(d), int64(time.Second))
	if q >= math.MaxInt64/ts-1 {
		return math.MaxInt64
	}
	if q <= math.MinInt64/ts+1 {
		return math.MinInt64
	}
	ticks := q*ts + r*ts/int64(time.Second)
	for TicksToDuration(ticks+1, timescale) <= d {
		ticks++
	}
	for TicksToDuration(ticks, timescale) > d {
		ticks--
	}
	return ticks
}
