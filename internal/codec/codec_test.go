package codec

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/randomizer/internal/core"
)

func columns(counts ...int) []core.Column {
	out := make([]core.Column, len(counts))
	for i, n := range counts {
		out[i] = core.Column{Name: string(rune('a' + i)), Index: i, Options: n}
	}
	return out
}

func TestEncodeDocumentedExample(t *testing.T) {
	cols := columns(2, 3, 4, 5, 6)
	key, err := Encode(map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5}, cols)
	require.NoError(t, err)
	assert.Equal(t, int64(1+2*2+3*3*2+4*4*3*2+5*5*4*3*2), key)
}

func TestEncodeThreeByThree(t *testing.T) {
	cols := []core.Column{
		{Name: "col1", Index: 0, Options: 3},
		{Name: "col2", Index: 1, Options: 3},
	}
	key, err := Encode(map[string]int{"col1": 1, "col2": 2}, cols)
	require.NoError(t, err)
	assert.Equal(t, int64(1+2*3), key)
	assert.Equal(t, []int{1, 2}, Decode(key, cols))
}

func TestRoundTripAllSchemas(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for n := 1; n <= 6; n++ {
		for trial := 0; trial < 25; trial++ {
			counts := make([]int, n)
			for i := range counts {
				counts[i] = 1 + rng.IntN(10)
			}
			cols := columns(counts...)
			// shuffle presentation order; Index still defines significance
			rng.Shuffle(len(cols), func(i, j int) { cols[i], cols[j] = cols[j], cols[i] })

			fields := make(map[string]int, n)
			want := make([]int, n)
			for _, c := range cols {
				v := rng.IntN(c.Options)
				fields[c.Name] = v
				want[c.Index] = v
			}
			key, err := Encode(fields, cols)
			require.NoError(t, err)
			assert.Equal(t, want, Decode(key, cols), "counts=%v", counts)
			assert.Equal(t, fields, DecodeFields(key, cols))
		}
	}
}

func TestRoundTripExhaustiveSmall(t *testing.T) {
	cols := columns(2, 1, 3)
	seen := map[int64]bool{}
	for a := 0; a < 2; a++ {
		for c := 0; c < 3; c++ {
			fields := map[string]int{"a": a, "b": 0, "c": c}
			key, err := Encode(fields, cols)
			require.NoError(t, err)
			assert.False(t, seen[key], "key %d reused", key)
			seen[key] = true
			assert.Equal(t, []int{a, 0, c}, Decode(key, cols))
		}
	}
	assert.Len(t, seen, 6)
}

func TestMissingFieldIsMismatch(t *testing.T) {
	_, err := Encode(map[string]int{"a": 0}, columns(2, 2))
	var fm *core.FieldMismatchError
	require.True(t, errors.As(err, &fm))
	assert.Equal(t, []string{"b"}, fm.Missing)
	assert.Empty(t, fm.Extra)
	assert.Equal(t, core.KindFieldMismatch, core.KindOf(err))
}

func TestExtraFieldIsMismatch(t *testing.T) {
	_, err := Encode(map[string]int{"a": 0, "b": 1, "zz": 0}, columns(2, 2))
	var fm *core.FieldMismatchError
	require.True(t, errors.As(err, &fm))
	assert.Equal(t, []string{"zz"}, fm.Extra)
}

func TestNegativeValueIsRangeError(t *testing.T) {
	_, err := Encode(map[string]int{"a": -1, "b": 0}, columns(2, 2))
	var re *core.RangeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "a", re.Field)
	assert.Equal(t, core.KindRange, core.KindOf(err))
}

func TestValueAtOptionCountIsRangeError(t *testing.T) {
	_, err := Encode(map[string]int{"a": 0, "b": 2}, columns(2, 2))
	var re *core.RangeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "b", re.Field)
	assert.Equal(t, 2, re.Value)
}

func TestValidationReportsEveryProblem(t *testing.T) {
	// first column invalid, last column invalid, one extra field
	_, err := Validate(map[string]int{"a": 5, "b": 0, "c": -3, "x": 1}, columns(2, 2, 2))
	require.Error(t, err)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok, "expected joined error, got %T", err)

	var fields []string
	mismatches := 0
	for _, e := range joined.Unwrap() {
		var re *core.RangeError
		var fm *core.FieldMismatchError
		switch {
		case errors.As(e, &re):
			fields = append(fields, re.Field)
		case errors.As(e, &fm):
			mismatches++
		}
	}
	assert.Equal(t, 1, mismatches)
	assert.Equal(t, []string{"a", "c"}, fields)
}

func TestKeySpaceOverflow(t *testing.T) {
	cols := make([]core.Column, 0, 70)
	fields := map[string]int{}
	for i := 0; i < 70; i++ {
		name := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		cols = append(cols, core.Column{Name: name, Index: i, Options: 2})
		fields[name] = 1
	}
	_, err := Encode(fields, cols)
	var re *core.RangeError
	require.True(t, errors.As(err, &re))
}

func TestDecodeLabelsUsesLabelsOrIndex(t *testing.T) {
	cols := []core.Column{
		{Name: "sex", Index: 0, Options: 2, Labels: []string{"F", "M"}},
		{Name: "age", Index: 1, Options: 3},
	}
	key, err := Encode(map[string]int{"sex": 1, "age": 2}, cols)
	require.NoError(t, err)
	assert.Equal(t, []string{"M", "2"}, DecodeLabels(key, cols))
}

func TestValuesAccessors(t *testing.T) {
	cols := columns(3, 4)
	v, err := Validate(map[string]int{"a": 2, "b": 3}, cols)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())
	name, idx := v.At(1)
	assert.Equal(t, "b", name)
	assert.Equal(t, 3, idx)
	assert.Equal(t, []int{2, 3}, v.Indices())
	assert.Equal(t, int64(2+3*3), v.Key())
}
