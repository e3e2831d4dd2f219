package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mistakeknot/randomizer/internal/core"
)

func TestFirstPatientID(t *testing.T) {
	tests := []struct {
		name string
		site *int
		rows int64
		want int64
	}{
		{"no site", nil, 4, 1001},
		{"site zero", core.IntPtr(0), 4, 1001},
		{"site one", core.IntPtr(1), 4, 2001},
		{"site nine", core.IntPtr(9), 40, 10001},
		{"digits grow with rows", core.IntPtr(0), 900, 10001},
		{"boundary below", core.IntPtr(2), 899, 3001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FirstPatientID(tt.site, tt.rows))
		})
	}
}
