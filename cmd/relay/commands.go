package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokligence/chatrelay/internal/client"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/version"
)

const defaultServer = "http://localhost:3002/api"

type globalOptions struct {
	server  string
	token   string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:     "relay",
		Short:   "Chat relay command-line client",
		Version: version.Info(),
		Long: `Send prompts through a chat relay and inspect its session state.
The relay address and credential default to CHATRELAY_SERVER and CHATRELAY_TOKEN.`,
		Example: `  # Check whether the relay wants a secret
  $ relay session

  # Stream a reply, retrying twice on dropped connections
  $ relay chat --retries 2 "Explain SSE in one sentence"

  # Continue the same conversation
  $ relay chat --csid loyw3v28 "And in two?"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("relay %s\n", version.FullInfo()))

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("CHATRELAY_SERVER", defaultServer), "relay base URL")
	flags.StringVarP(&opts.token, "token", "t", os.Getenv("CHATRELAY_TOKEN"), "bearer credential")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log retries to stderr")

	root.AddCommand(
		newChatCmd(opts),
		newSessionCmd(opts),
		newVerifyCmd(opts),
		newConfigCmd(opts),
		newUsageCmd(opts),
	)
	return root
}

func (o *globalOptions) client(cmd *cobra.Command) (*client.Client, error) {
	c, err := client.New(o.server, nil)
	if err != nil {
		return nil, err
	}
	c.SetToken(o.token)
	if o.verbose {
		c.SetLogger(log.New(cmd.ErrOrStderr(), "[relay] ", log.LstdFlags))
	}
	return c, nil
}

func newChatCmd(opts *globalOptions) *cobra.Command {
	var (
		csid, parent, system string
		retries              int
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "stream one reply from the relay",
		Long:  "Send a prompt to /chat-sse and print the reply as it streams. Without arguments the prompt is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			c.SetSystemMessage(system)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, c, cmd.OutOrStdout(), cmd.ErrOrStderr(), client.StreamOptions{
				Prompt:  prompt,
				CSID:    csid,
				Options: relay.Options{ParentMessageID: parent},
				Retries: retries,
			})
		},
	}
	cmd.Flags().StringVar(&csid, "csid", "", "continue an existing conversation session")
	cmd.Flags().StringVar(&parent, "parent", "", "parent message id")
	cmd.Flags().StringVar(&system, "system", "", "system message")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "reconnect attempts after a transport error")
	return cmd
}

// runChat streams one exchange, writing deltas to out and status lines to errOut.
func runChat(ctx context.Context, c *client.Client, out, errOut io.Writer, opts client.StreamOptions) error {
	var last relay.StreamMessage
	opts.OnMessage = func(m relay.StreamMessage) {
		if m.Delta != "" {
			fmt.Fprint(out, m.Delta)
		} else if m.Text != "" {
			fmt.Fprint(out, m.Text)
		}
		last = m
	}
	opts.OnError = func(err error) {
		fmt.Fprintln(out)
		printError(errOut, "%v", err)
	}
	opts.OnAbort = func() {
		fmt.Fprintln(out)
		printWarning(errOut, "aborted")
	}
	opts.OnUnauthorized = func() {
		printError(errOut, "relay rejected the credential; run `relay verify <secret>` or pass --token")
	}

	s := c.Stream(ctx, opts)
	if err := s.Wait(); err != nil {
		return reportedError{err: err}
	}
	fmt.Fprintln(out)
	printInfo(errOut, "csid=%s message=%s finish=%s", s.CSID(), last.ID, orDash(last.FinishReason))
	return nil
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newSessionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "show whether the relay requires a secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			info, err := c.Session(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printField(out, "auth", info.Auth)
			printField(out, "model", info.Model)
			if info.User != "" {
				printField(out, "user", info.User)
			}
			return nil
		},
	}
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <secret>",
		Short: "check a secret against the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			if err := c.Verify(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "secret accepted; pass it with --token or CHATRELAY_TOKEN")
			return nil
		},
	}
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "show the relay's upstream settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			info, err := c.Config(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printField(out, "model", info.APIModel)
			printField(out, "reverse proxy", info.ReverseProxy)
			printField(out, "https proxy", info.HTTPSProxy)
			printField(out, "timeout", fmt.Sprintf("%dms", info.TimeoutMs))
			return nil
		},
	}
}

func newUsageCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "show your recorded exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			usage, err := c.Usage(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printField(out, "exchanges", usage.Summary.Exchanges)
			printField(out, "failures", usage.Summary.Failures)
			printField(out, "tokens", fmt.Sprintf("%d (prompt %d, completion %d)",
				usage.Summary.TotalTokens, usage.Summary.PromptTokens, usage.Summary.CompletionTokens))
			for _, e := range usage.Entries {
				fmt.Fprintf(out, "  %s  %-12s %-9s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Route, e.Status, orDash(e.FinishReason))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent exchanges to list")
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// reportedError wraps a failure the stream handlers already printed.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// exitError reports err on stderr in the CLI's style.
func exitError(w io.Writer, err error) {
	var reported reportedError
	switch {
	case errors.As(err, &reported):
	case errors.Is(err, client.ErrUnauthorized):
		printError(w, "unauthorized")
	case errors.Is(err, context.Canceled):
	default:
		printError(w, "%v", err)
	}
}
