package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/randomizer/client"
	"github.com/mistakeknot/randomizer/internal/cli"
)

type clientFlags struct {
	url    string
	apiKey string
	user   string
	socket string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", envOr("RANDOMIZER_URL", "http://127.0.0.1:7340"), "server URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", os.Getenv("RANDOMIZER_API_KEY"), "API key")
	cmd.Flags().StringVar(&f.user, "as", os.Getenv("USER"), "user name sent to a localhost server without an API key")
	cmd.Flags().StringVar(&f.socket, "socket", "", "talk to the server over this unix socket")
}

func (f *clientFlags) client() *client.Client {
	opts := []client.Option{client.WithAPIKey(f.apiKey), client.WithUser(f.user)}
	if f.socket != "" {
		opts = append(opts, client.WithUnixSocket(f.socket))
	}
	return client.New(f.url, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func clientCmds() []*cobra.Command {
	return []*cobra.Command{tablesCmd(), rowsCmd(), reserveCmd(), mineCmd(), finishCmd("complete"), finishCmd("cancel")}
}

func tablesCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List visible tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tables, err := cf.client().Tables(cmd.Context())
			if err != nil {
				return err
			}
			return cli.PrintTables(cmd.OutOrStdout(), tables, time.Now())
		},
	}
	cf.register(cmd)
	return cmd
}

func rowsCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "rows TABLE",
		Short: "List the rows of a table you may see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tableID, err := parseTable(args[0])
			if err != nil {
				return err
			}
			c := cf.client()
			sch, err := c.Schema(cmd.Context(), tableID)
			if err != nil {
				return err
			}
			rows, err := c.Rows(cmd.Context(), tableID)
			if err != nil {
				return err
			}
			return cli.PrintRows(cmd.OutOrStdout(), sch, rows, time.Now())
		},
	}
	cf.register(cmd)
	return cmd
}

func reserveCmd() *cobra.Command {
	var (
		cf     clientFlags
		fields map[string]int
		site   int
	)
	cmd := &cobra.Command{
		Use:   "reserve TABLE",
		Short: "Reserve the next row of a stratum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tableID, err := parseTable(args[0])
			if err != nil {
				return err
			}
			req := client.ReserveRequest{Fields: fields}
			if cmd.Flags().Changed("site") {
				req.Site = &site
			}
			row, err := cf.client().Reserve(cmd.Context(), tableID, req)
			if err != nil {
				return err
			}
			return cli.PrintRow(cmd.OutOrStdout(), row, time.Now())
		},
	}
	cf.register(cmd)
	cmd.Flags().StringToIntVar(&fields, "field", nil, "stratification value as column=option, repeatable")
	cmd.Flags().IntVar(&site, "site", 0, "site index, required when you have access to several sites")
	return cmd
}

func mineCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "mine TABLE",
		Short: "Show your open reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tableID, err := parseTable(args[0])
			if err != nil {
				return err
			}
			row, err := cf.client().Mine(cmd.Context(), tableID)
			if err != nil {
				return err
			}
			return cli.PrintRow(cmd.OutOrStdout(), row, time.Now())
		},
	}
	cf.register(cmd)
	return cmd
}

// finishCmd builds complete and cancel. With --override the table owner
// acts on another user's reservation.
func finishCmd(action string) *cobra.Command {
	var (
		cf       clientFlags
		override bool
	)
	cmd := &cobra.Command{
		Use:   action + " TABLE ROW",
		Short: map[string]string{"complete": "Complete a reservation", "cancel": "Cancel a reservation"}[action],
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tableID, err := parseTable(args[0])
			if err != nil {
				return err
			}
			rowID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid row id %q", args[1])
			}
			c := cf.client()
			var row client.Row
			switch {
			case action == "complete" && override:
				row, err = c.OverrideComplete(cmd.Context(), tableID, rowID)
			case action == "complete":
				row, err = c.Complete(cmd.Context(), tableID, rowID)
			case override:
				row, err = c.OverrideCancel(cmd.Context(), tableID, rowID)
			default:
				row, err = c.Cancel(cmd.Context(), tableID, rowID)
			}
			if err != nil {
				return err
			}
			return cli.PrintRow(cmd.OutOrStdout(), row, time.Now())
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&override, "override", false, "act on any reservation (table owners only)")
	return cmd
}

func parseTable(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid table id %q", s)
	}
	return id, nil
}
