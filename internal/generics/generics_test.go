package generics

import (
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{3, 1, 2}, func(e int) string { return strconv.Itoa(e * 10) })
	assert.Equal(t, []string{"30", "10", "20"}, got)
	assert.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"tcn": 1, "gcn": 5, "decoder": 3}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []string{"decoder", "gcn", "tcn"}
	for _ = range 100 {
		got := slices.Collect(SortedKeys(m))
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	want := []int{1, 3, 5}
	for _ = range 100 {
		var gotKeys []int
		var gotValues []string
		for k, v := range SortedKeysAndValues(m) {
			gotKeys = append(gotKeys, k)
			gotValues = append(gotValues, v)
		}
		assert.Equal(t, want, gotKeys)
		assert.Equal(t, []string{"1", "3", "5"}, gotValues)
	}
}
