package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mistakeknot/randomizer/client"
)

// PrintTables writes one line per table.
func PrintTables(w io.Writer, tables []client.Table, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tHIDDEN")
	for _, t := range tables {
		hidden := ""
		if t.Hidden {
			hidden = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.ID, t.Name, humanize.RelTime(t.CreatedAt, now, "ago", "from now"), hidden)
	}
	return tw.Flush()
}

// PrintRows writes rows under a header built from the schema's column
// names.
func PrintRows(w io.Writer, sch client.Schema, rows []client.Row, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := []string{"ID"}
	for _, c := range sch.Columns {
		header = append(header, strings.ToUpper(c.Name))
	}
	if sch.Site != nil {
		header = append(header, strings.ToUpper(sch.Site.Name))
	}
	header = append(header, "ARM", "PATIENT", "STATE", "HOLDER", "CHANGED")
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		cells := []string{strconv.FormatInt(r.ID, 10)}
		cells = append(cells, r.Values...)
		if sch.Site != nil {
			cells = append(cells, r.Site)
		}
		cells = append(cells, r.Arm, patient(r), state(r), r.ReservedBy, changed(r, now))
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

// PrintRow writes a single row as key: value lines.
func PrintRow(w io.Writer, r client.Row, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "row:\t%d\n", r.ID)
	fmt.Fprintf(tw, "values:\t%s\n", strings.Join(r.Values, ", "))
	if r.Site != "" {
		fmt.Fprintf(tw, "site:\t%s\n", r.Site)
	}
	fmt.Fprintf(tw, "arm:\t%s\n", r.Arm)
	fmt.Fprintf(tw, "patient:\t%s\n", patient(r))
	fmt.Fprintf(tw, "state:\t%s\n", state(r))
	if c := changed(r, now); c != "" {
		fmt.Fprintf(tw, "changed:\t%s\n", c)
	}
	return tw.Flush()
}

func patient(r client.Row) string {
	if r.PatientID == nil {
		return "-"
	}
	return strconv.FormatInt(*r.PatientID, 10)
}

func state(r client.Row) string {
	switch {
	case r.Processed:
		return "completed"
	case r.Locked:
		return "reserved"
	default:
		return "available"
	}
}

func changed(r client.Row, now time.Time) string {
	if r.LastChanged == nil {
		return ""
	}
	return humanize.RelTime(*r.LastChanged, now, "ago", "from now")
}
