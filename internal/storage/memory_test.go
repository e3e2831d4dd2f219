package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
	"github.com/mistakeknot/randomizer/internal/storage/storagetest"
)

func TestInMemoryContract(t *testing.T) {
	storagetest.Run(t, storage.NewInMemory())
}

func TestInMemoryCanceledContext(t *testing.T) {
	st := storage.NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := st.InTx(ctx, func(storage.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn should not run on a canceled context")
	}
}

func TestSiteFilterMatches(t *testing.T) {
	cases := []struct {
		name string
		f    storage.SiteFilter
		site *int
		want bool
	}{
		{"any matches null", storage.AnySite(), nil, true},
		{"any matches site", storage.AnySite(), core.IntPtr(4), true},
		{"equals null", storage.SiteEquals(nil), nil, true},
		{"equals null rejects site", storage.SiteEquals(nil), core.IntPtr(0), false},
		{"equals site", storage.SiteEquals(core.IntPtr(2)), core.IntPtr(2), true},
		{"equals site rejects null", storage.SiteEquals(core.IntPtr(2)), nil, false},
		{"in", storage.SiteIn([]int{1, 3}), core.IntPtr(3), true},
		{"not in", storage.SiteIn([]int{1, 3}), core.IntPtr(2), false},
		{"empty in", storage.SiteIn(nil), core.IntPtr(0), false},
	}
	for _, tc := range cases {
		if got := tc.f.Matches(tc.site); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
