// Package util contains misc internal utilities.
package util

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// SecsToDuration converts a floating point number of seconds to a duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique strings of a slice, in order of first appearance
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Diff compares two key sets and reports which keys were added, removed, and
// kept going from prev to next.  Each result is sorted.
func Diff[K comparable, V1, V2 any](prev map[K]V1, next map[K]V2, less func(a, b K) bool) (added, removed, kept []K) {
	for k := range next {
		if _, ok := prev[k]; ok {
			kept = append(kept, k)
		} else {
			added = append(added, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	for _, s := range [][]K{added, removed, kept} {
		sort.Slice(s, func(i, j int) bool { return less(s[i], s[j]) })
	}
	return added, removed, kept
}
