package util

import "cmp"

func Conditional[T any](cond bool, t, f T) T {
	if cond {
		return t
	}
	return f
}

func Clamp[T cmp.Ordered](x, lo, hi T) T {
	return min(max(x, lo), hi)
}
