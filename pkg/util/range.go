package util

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Range[T ~int | ~int8 | ~int16 | ~int32 | ~int64 |
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr] [2]T

func (r Range[T]) Size() T {
	return r[1] - r[0]
}

func (r Range[T]) Within(x T) bool {
	return x >= r[0] && x <= r[1]
}

func (r Range[T]) Valid() bool {
	return r[1] >= r[0]
}

func (r Range[T]) Clamp(x T) T {
	return Clamp(x, r[0], r[1])
}

// Overlaps reports whether the half-open spans [r0,r1) and [o0,o1) intersect.
func (r Range[T]) Overlaps(o Range[T]) bool {
	return r[0] < o[1] && o[0] < r[1]
}

// Covers reports whether the half-open span r contains o.
func (r Range[T]) Covers(o Range[T]) bool {
	return r[0] <= o[0] && o[1] <= r[1]
}

func (r *Range[T]) Resolve(s string) error {
	ss := strings.Split(strings.TrimSpace(s), "-")
	if len(ss) > 2 || ss[0] == "" {
		return fmt.Errorf("invalid range: %s", s)
	}
	i64, err := strconv.ParseInt(ss[0], 10, 64)
	if err != nil {
		return err
	}
	r[0] = T(i64)
	if len(ss) == 1 {
		r[1] = r[0]
		return nil
	}
	if i64, err = strconv.ParseInt(ss[1], 10, 64); err != nil {
		return err
	}
	r[1] = T(i64)
	if !r.Valid() {
		return fmt.Errorf("invalid range: %s", s)
	}
	return nil
}

func (r Range[T]) String() string {
	return fmt.Sprintf("%d-%d", r[0], r[1])
}

func (r *Range[T]) UnmarshalYAML(value *yaml.Node) error {
	return r.Resolve(value.Value)
}

func (r Range[T]) MarshalYAML() (any, error) {
	return r.String(), nil
}
