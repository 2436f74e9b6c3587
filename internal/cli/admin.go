package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats <user>",
		Short: "Show memory statistics for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  getAndPrint(func(args []string) string { return userPath(args[0], "/memories/stats") }),
	}

	memoriesCmd := &cobra.Command{
		Use:   "memories <user>",
		Short: "List a user's memories",
		Args:  cobra.ExactArgs(1),
		RunE:  getAndPrint(func(args []string) string { return userPath(args[0], "/memories") }),
	}

	profileCmd := &cobra.Command{
		Use:   "profile <user> [key=value]",
		Short: "Show a user's profile, or set one attribute",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runProfile,
	}

	consolidateCmd := &cobra.Command{
		Use:   "consolidate <user>",
		Short: "Run consolidation for one user now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report json.RawMessage
			if err := client().Do(cmd.Context(), http.MethodPost, userPath(args[0], "/consolidate"), nil, &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	var limit int
	reportsCmd := &cobra.Command{
		Use:   "reports",
		Short: "Show recent consolidation reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(func([]string) string {
				return "/api/consolidation/reports?limit=" + strconv.Itoa(limit)
			})(cmd, args)
		},
	}
	reportsCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of reports")

	var yes bool
	eraseCmd := &cobra.Command{
		Use:   "erase <user>",
		Short: "Delete every conversation, memory and profile of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to erase %s without --yes", args[0])
			}
			var out json.RawMessage
			if err := client().Do(cmd.Context(), http.MethodDelete, userPath(args[0], ""), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	eraseCmd.Flags().BoolVar(&yes, "yes", false, "Confirm the erasure")

	var format string
	exportCmd := &cobra.Command{
		Use:   "export <conversation>",
		Short: "Export a conversation as json or markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			path := "/api/conversations/" + url.PathEscape(args[0]) + "/export?format=" + url.QueryEscape(format)
			if err := client().Do(cmd.Context(), http.MethodGet, path, nil, &raw); err != nil {
				return err
			}
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "markdown", "Output format: json or markdown")

	RootCmd.AddCommand(statsCmd, memoriesCmd, profileCmd, consolidateCmd, reportsCmd, eraseCmd, exportCmd)
}

func getAndPrint(path func(args []string) string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		if err := client().Do(cmd.Context(), http.MethodGet, path(args), nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func runProfile(cmd *cobra.Command, args []string) error {
	if len(args) == 2 {
		key, value, ok := strings.Cut(args[1], "=")
		if !ok || key == "" {
			return fmt.Errorf("attribute must be key=value, got %q", args[1])
		}
		body := map[string]string{"key": key, "value": value}
		if err := client().Do(cmd.Context(), http.MethodPut, userPath(args[0], "/profile/attributes"), body, nil); err != nil {
			return err
		}
	}
	return getAndPrint(func(a []string) string { return userPath(a[0], "/profile") })(cmd, args)
}
