package freebusy

import (
	"slices"

	"freebusy/internal/models"
)

// MergeUnion merges overlapping and touching intervals into a sorted list of
// disjoint intervals covering the same points. The input is not modified.
func MergeUnion(intervals []models.Interval) []models.Interval {
	if len(intervals) == 0 {
		return []models.Interval{}
	}

	sorted := slices.Clone(intervals)
	slices.SortFunc(sorted, func(a, b models.Interval) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})

	merged := make([]models.Interval, 0, len(sorted))
	current := sorted[0]
	for _, iv := range sorted[1:] {
		if iv.Start.Compare(current.End) <= 0 {
			if current.End.Before(iv.End) {
				current.End = iv.End
			}
			continue
		}
		merged = append(merged, current)
		current = iv
	}
	return append(merged, current)
}

// DropZeroWidth returns the intervals whose start differs from their end.
func DropZeroWidth(intervals []models.Interval) []models.Interval {
	out := make([]models.Interval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.IsZero() {
			out = append(out, iv)
		}
	}
	return out
}
