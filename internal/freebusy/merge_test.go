package freebusy

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freebusy/internal/models"
)

func iv(sh, sm, eh, em int) models.Interval {
	return models.NewInterval(sh, sm, eh, em)
}

func TestMergeUnion(t *testing.T) {
	tests := []struct {
		name string
		in   []models.Interval
		want []models.Interval
	}{
		{
			name: "empty input",
			in:   nil,
			want: []models.Interval{},
		},
		{
			name: "single interval",
			in:   []models.Interval{iv(9, 0, 10, 0)},
			want: []models.Interval{iv(9, 0, 10, 0)},
		},
		{
			name: "touching intervals merge",
			in:   []models.Interval{iv(9, 0, 10, 0), iv(10, 0, 11, 0), iv(13, 0, 14, 0)},
			want: []models.Interval{iv(9, 0, 11, 0), iv(13, 0, 14, 0)},
		},
		{
			name: "nested interval",
			in:   []models.Interval{iv(9, 0, 10, 0), iv(9, 30, 9, 45)},
			want: []models.Interval{iv(9, 0, 10, 0)},
		},
		{
			name: "identical intervals",
			in:   []models.Interval{iv(8, 0, 8, 30), iv(8, 0, 8, 30), iv(8, 0, 8, 30)},
			want: []models.Interval{iv(8, 0, 8, 30)},
		},
		{
			name: "unsorted input",
			in:   []models.Interval{iv(15, 0, 16, 0), iv(8, 0, 9, 0), iv(8, 30, 10, 0)},
			want: []models.Interval{iv(8, 0, 10, 0), iv(15, 0, 16, 0)},
		},
		{
			name: "one minute gap stays apart",
			in:   []models.Interval{iv(9, 0, 9, 59), iv(10, 0, 11, 0)},
			want: []models.Interval{iv(9, 0, 9, 59), iv(10, 0, 11, 0)},
		},
		{
			name: "zero width interval passes through",
			in:   []models.Interval{iv(12, 0, 12, 0)},
			want: []models.Interval{iv(12, 0, 12, 0)},
		},
		{
			name: "zero width interval inside another",
			in:   []models.Interval{iv(12, 0, 12, 0), iv(11, 0, 13, 0)},
			want: []models.Interval{iv(11, 0, 13, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeUnion(tt.in))
		})
	}
}

func TestMergeUnionDoesNotModifyInput(t *testing.T) {
	in := []models.Interval{iv(13, 0, 14, 0), iv(9, 0, 10, 0)}
	MergeUnion(in)
	assert.Equal(t, []models.Interval{iv(13, 0, 14, 0), iv(9, 0, 10, 0)}, in)
}

func TestDropZeroWidth(t *testing.T) {
	in := []models.Interval{iv(0, 0, 0, 0), iv(9, 0, 10, 0), iv(12, 0, 12, 0)}
	assert.Equal(t, []models.Interval{iv(9, 0, 10, 0)}, DropZeroWidth(in))
	assert.Empty(t, DropZeroWidth(MergeUnion([]models.Interval{iv(12, 0, 12, 0)})))
}

func randomIntervals(r *rand.Rand) []models.Interval {
	n := r.IntN(12)
	out := make([]models.Interval, 0, n)
	for range n {
		s := r.IntN(24 * 60)
		e := s + r.IntN(24*60-s)
		out = append(out, iv(s/60, s%60, e/60, e%60))
	}
	return out
}

func minutes(c models.ClockTime) int { return c.Hour*60 + c.Minute }

// coverage returns the set of minutes covered by the closed intervals.
func coverage(intervals []models.Interval) [24 * 60]bool {
	var set [24 * 60]bool
	for _, i := range intervals {
		for m := minutes(i.Start); m <= minutes(i.End); m++ {
			set[m] = true
		}
	}
	return set
}

func TestMergeUnionProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		in := randomIntervals(r)
		out := MergeUnion(in)

		require.LessOrEqual(t, len(out), len(in))
		assert.Equal(t, out, MergeUnion(out), "merge must be idempotent")

		shuffled := append([]models.Interval(nil), in...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, out, MergeUnion(shuffled), "merge must not depend on input order")

		assert.Equal(t, coverage(in), coverage(out), "merge must preserve the covered points")

		for k := 1; k < len(out); k++ {
			assert.True(t, out[k-1].End.Before(out[k].Start), "%v and %v touch or overlap", out[k-1], out[k])
		}
		for _, o := range out {
			assert.False(t, o.End.Before(o.Start))
		}
	}
}
