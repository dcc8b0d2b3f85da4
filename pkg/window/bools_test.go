package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBoolsAllRequiresFullWindow(t *testing.T) {
	w := NewBools(3)
	w.Push(true)
	w.Push(true)
	assert.False(t, w.All())
	assert.True(t, w.Any())

	w.Push(true)
	assert.True(t, w.All())
	assert.Equal(t, 3, w.Count())

	w.Push(false)
	assert.False(t, w.All())
	assert.Equal(t, 2, w.Count())
	assert.Equal(t, []bool{true, true, false}, w.Values())

	last, ok := w.Last()
	assert.True(t, ok)
	assert.False(t, last)
}

func TestBoolsReset(t *testing.T) {
	w := NewBools(2)
	w.Push(true)
	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.False(t, w.Any())
	_, ok := w.Last()
	assert.False(t, ok)
}

func TestBoolsMatchesLastN(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "cap")
		values := rapid.SliceOf(rapid.Bool()).Draw(t, "values")

		w := NewBools(capacity)
		for _, v := range values {
			w.Push(v)
		}

		want := values
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		count := 0
		for _, v := range want {
			if v {
				count++
			}
		}
		if w.Len() != len(want) || w.Count() != count {
			t.Fatalf("len %d count %d, want %d %d", w.Len(), w.Count(), len(want), count)
		}
		got := w.Values()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("values %v, want %v", got, want)
			}
		}
	})
}
