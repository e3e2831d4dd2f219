// Package codec packs a row's stratification values into a single integer
// key and unpacks it again.
//
// The key is a mixed-radix number: column 0 is the least significant digit
// with base equal to its option count, and each later column is weighted by
// the product of the option counts of all columns before it. With option
// counts [2, 3, 4] and values [1, 2, 3] the key is 1 + 2*2 + 3*(2*3) = 23.
package codec

import (
	"errors"
	"math"
	"sort"

	"github.com/mistakeknot/randomizer/internal/core"
)

// Values is an ordered, validated association of column name to option
// index. The only way to build one is Validate.
type Values struct {
	columns []core.Column
	values  []int
}

// Len returns the number of columns.
func (v Values) Len() int { return len(v.values) }

// At returns the column name and option index at position i.
func (v Values) At(i int) (string, int) {
	return v.columns[i].Name, v.values[i]
}

// Indices returns a copy of the option indices in column order.
func (v Values) Indices() []int {
	out := make([]int, len(v.values))
	copy(out, v.values)
	return out
}

// Key encodes the values. Columns are folded from the highest position down
// to position 0.
func (v Values) Key() int64 {
	var key int64
	for i := len(v.columns) - 1; i >= 0; i-- {
		key = key*int64(v.columns[i].Options) + int64(v.values[i])
	}
	return key
}

// Validate checks fields against columns and returns the typed values. It
// reports every problem it finds: a field mismatch and one range error per
// offending column are joined into the returned error.
func Validate(fields map[string]int, columns []core.Column) (Values, error) {
	cols := ordered(columns)
	var errs []error

	known := make(map[string]struct{}, len(cols))
	var missing []string
	for _, c := range cols {
		known[c.Name] = struct{}{}
		if _, ok := fields[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	var extra []string
	for name := range fields {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		errs = append(errs, &core.FieldMismatchError{Missing: missing, Extra: extra})
	}

	values := make([]int, len(cols))
	space := int64(1)
	overflowed := false
	for i, c := range cols {
		v, ok := fields[c.Name]
		if ok {
			if v < 0 || v >= c.Options {
				errs = append(errs, &core.RangeError{Field: c.Name, Value: v, Options: c.Options})
			}
			values[i] = v
		}
		if c.Options < 1 {
			errs = append(errs, &core.RangeError{Field: c.Name, Value: v, Options: c.Options})
			continue
		}
		if !overflowed && space > math.MaxInt64/int64(c.Options) {
			overflowed = true
			errs = append(errs, &core.RangeError{Field: c.Name, Value: v, Options: c.Options})
		}
		space *= int64(c.Options)
	}
	if len(errs) > 0 {
		return Values{}, errors.Join(errs...)
	}
	return Values{columns: cols, values: values}, nil
}

// Encode validates fields and returns their key.
func Encode(fields map[string]int, columns []core.Column) (int64, error) {
	v, err := Validate(fields, columns)
	if err != nil {
		return 0, err
	}
	return v.Key(), nil
}

// Decode unpacks key into option indices in column order.
func Decode(key int64, columns []core.Column) []int {
	cols := ordered(columns)
	out := make([]int, len(cols))
	for i, c := range cols {
		n := int64(c.Options)
		if n < 1 {
			continue
		}
		out[i] = int(key % n)
		key /= n
	}
	return out
}

// DecodeLabels unpacks key and translates each index through its column's
// labels.
func DecodeLabels(key int64, columns []core.Column) []string {
	cols := ordered(columns)
	idx := Decode(key, cols)
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Label(idx[i])
	}
	return out
}

// DecodeFields unpacks key into a name to index map.
func DecodeFields(key int64, columns []core.Column) map[string]int {
	cols := ordered(columns)
	idx := Decode(key, cols)
	out := make(map[string]int, len(cols))
	for i, c := range cols {
		out[c.Name] = idx[i]
	}
	return out
}

func ordered(columns []core.Column) []core.Column {
	if sort.SliceIsSorted(columns, func(i, j int) bool { return columns[i].Index < columns[j].Index }) {
		return columns
	}
	cols := make([]core.Column, len(columns))
	copy(cols, columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Index < cols[j].Index })
	return cols
}
