package allocation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mistakeknot/randomizer/internal/storage"
)

// NextPatientID returns the participant id for a new reservation at site.
// The caller must hold the site lock so no concurrent reservation at the
// same site can observe the same maximum.
//
// Ids only ever continue upward from the current maximum at the site; a
// cancelled id is reissued only when it was the maximum.
func NextPatientID(ctx context.Context, tx storage.Tx, tableID int64, site *int) (int64, error) {
	st, err := tx.SiteStats(ctx, tableID, site)
	if err != nil {
		return 0, fmt.Errorf("site stats: %w", err)
	}
	if st.MaxPatientID != nil && *st.MaxPatientID > 0 {
		return *st.MaxPatientID + 1, nil
	}
	return FirstPatientID(site, st.Rows), nil
}

// FirstPatientID is the id of the first reservation ever made at a site
// holding rows rows (in any state). Each site gets its own base,
// (site+1) * 10^digits, with digits taken from rows+100 so that counting
// through every row at the site never reaches the next site's base.
func FirstPatientID(site *int, rows int64) int64 {
	digits := len(strconv.FormatInt(rows+100, 10))
	base := int64(1)
	for i := 0; i < digits; i++ {
		base *= 10
	}
	var s int64
	if site != nil {
		s = int64(*site)
	}
	return (s+1)*base + 1
}
