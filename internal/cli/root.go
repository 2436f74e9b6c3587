package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
)

// RootCmd is the top-level recallctl command.
var RootCmd = &cobra.Command{
	Use:          "recallctl",
	Short:        "Client for a running recall server",
	Long:         "recallctl chats with a recall server and inspects or administers per-user memory.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer(), "Server URL (default: $RECALL_SERVER or http://localhost:8080)")
	RootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 65*time.Second, "Request timeout")
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

func defaultServer() string {
	if env := os.Getenv("RECALL_SERVER"); env != "" {
		return env
	}
	return "http://localhost:8080"
}

func client() *Client {
	return NewClient(serverURL, timeout)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
