// Package access resolves which sites of a table a user may allocate from.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

// Scope is the resolved visibility of one user on one table.
type Scope struct {
	User  string
	Owner bool
	// AllSites is set for owners and for grants without a site, which is the
	// no-site-dimension sentinel.
	AllSites bool
	SiteIDs  []int
}

// Resolve loads the user's permission and active site grants for a table.
func Resolve(ctx context.Context, grants storage.Grants, tableID int64, user string) (Scope, error) {
	perm, err := grants.Permission(ctx, tableID, user)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Scope{}, core.ErrNoAccess
		}
		return Scope{}, fmt.Errorf("load permission: %w", err)
	}
	if perm.IsOwner {
		return Scope{User: user, Owner: true, AllSites: true}, nil
	}
	access, err := grants.SiteAccess(ctx, tableID, user)
	if err != nil {
		return Scope{}, fmt.Errorf("load site access: %w", err)
	}
	scope := Scope{User: user}
	seen := make(map[int]struct{})
	active := 0
	for _, a := range access {
		if !a.Active {
			continue
		}
		active++
		if a.SiteID == nil {
			scope.AllSites = true
			continue
		}
		if _, ok := seen[*a.SiteID]; ok {
			continue
		}
		seen[*a.SiteID] = struct{}{}
		scope.SiteIDs = append(scope.SiteIDs, *a.SiteID)
	}
	if active == 0 {
		return Scope{}, core.ErrNoSiteScope
	}
	sort.Ints(scope.SiteIDs)
	return scope, nil
}

// Allows reports whether rows at site are visible in this scope.
func (s Scope) Allows(site *int) bool {
	if s.AllSites {
		return true
	}
	if site == nil {
		return false
	}
	for _, id := range s.SiteIDs {
		if id == *site {
			return true
		}
	}
	return false
}

// Single returns the one concrete site of a restricted scope.
func (s Scope) Single() (int, bool) {
	if s.AllSites || len(s.SiteIDs) != 1 {
		return 0, false
	}
	return s.SiteIDs[0], true
}

// Filter returns the storage filter matching the rows this scope may see.
func (s Scope) Filter() storage.SiteFilter {
	if s.AllSites {
		return storage.AnySite()
	}
	return storage.SiteIn(s.SiteIDs)
}

// ResolveSite picks the site a new reservation targets. supplied is the
// site the caller asked for, nil when omitted.
func (s Scope) ResolveSite(hasSiteColumn bool, supplied *int) (*int, error) {
	if !hasSiteColumn {
		if supplied != nil {
			return nil, core.ErrSiteInvalid
		}
		return nil, nil
	}
	if supplied != nil {
		if _, single := s.Single(); single {
			return nil, core.ErrSitePopulated
		}
		if !s.Allows(supplied) {
			return nil, core.ErrSiteInvalid
		}
		site := *supplied
		return &site, nil
	}
	if id, single := s.Single(); single {
		return &id, nil
	}
	return nil, core.ErrSiteMissing
}
