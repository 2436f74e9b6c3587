package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	var user, conversation, title string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Reads lines from stdin and sends each one to the server. Slash commands such as /stats and /help are answered by the server's capabilities.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, user, conversation, title)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "cli-user", "User id to chat as")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Resume an existing conversation")
	cmd.Flags().StringVar(&title, "title", "", "Title for a new conversation")

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, user, conversation, title string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	c := client()

	if conversation == "" {
		conv, err := c.StartConversation(ctx, user, title)
		if err != nil {
			return fmt.Errorf("start conversation: %w", err)
		}
		conversation = conv.ID
	}

	fmt.Fprintln(out, "recall chat")
	fmt.Fprintf(out, "Server: %s | User: %s | Conversation: %s\n", serverURL, user, conversation)
	fmt.Fprintln(out, "Type 'exit' or 'quit' to leave, /help for commands.")
	fmt.Fprintln(out, "---")

	return chatLoop(cmd.InOrStdin(), out, cmd.ErrOrStderr(), func(text string) (string, error) {
		t, err := c.Respond(ctx, conversation, text)
		if err != nil {
			return "", err
		}
		if t.Model != "" {
			return fmt.Sprintf("[%s] %s", t.Model, t.Reply.Body), nil
		}
		return t.Reply.Body, nil
	})
}

// chatLoop reads one message per line until EOF or an exit word.
func chatLoop(in io.Reader, out, errOut io.Writer, send func(string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		reply, err := send(input)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}
