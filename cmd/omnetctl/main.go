// cmd/omnetctl/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cliOptions 全局命令行参数
type cliOptions struct {
	server  string
	apiKey  string
	token   string
	userID  string
	timeout time.Duration
}

func (o *cliOptions) client() *apiClient {
	return &apiClient{
		baseURL: o.server,
		apiKey:  o.apiKey,
		token:   o.token,
		http:    &http.Client{},
	}
}

func (o *cliOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "omnetctl",
		Short: "Talk to an OMNetCore avatar server",
		Long: `omnetctl is a command line client for the OMNetCore avatar server.

It sends conversation turns, feedback and session management requests
over the HTTP API, and opens interactive chats over the websocket endpoint.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("OMNET_SERVER", "http://localhost:8765"), "Server base URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("OMNET_API_KEY"), "API key (or set OMNET_API_KEY)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("OMNET_TOKEN"), "Bearer token (or set OMNET_TOKEN)")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", envOr("OMNET_USER", "default"), "User ID")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Request timeout (0 disables)")

	root.AddCommand(
		newSayCmd(opts),
		newChatCmd(opts),
		newFeedbackCmd(opts),
		newSessionsCmd(opts),
		newPrefsCmd(opts),
		newHealthCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
