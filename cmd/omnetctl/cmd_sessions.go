// cmd/omnetctl/cmd_sessions.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Corphon/OMNetCore/internal/models"
)

func newSessionsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and inspect stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			var sessions []models.SessionSummary
			path := "/api/sessions/" + url.PathEscape(opts.userID)
			if err := opts.client().do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tAVATAR\tMOOD\tMESSAGES\tLAST UPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.SessionID, s.AvatarName, s.MoodState, s.MessageCount, s.LastUpdated.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(newSessionShowCmd(opts))
	return cmd
}

func newSessionShowCmd(opts *cliOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show <avatar> <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			path := fmt.Sprintf("/api/sessions/%s/%s/%s",
				url.PathEscape(opts.userID), url.PathEscape(args[0]), url.PathEscape(args[1]))
			out := cmd.OutOrStdout()

			if !full {
				var summary models.SessionSummary
				if err := opts.client().do(ctx, http.MethodGet, path, nil, &summary); err != nil {
					return err
				}
				printSummary(out, summary)
				return nil
			}

			var detail struct {
				Summary models.SessionSummary       `json:"summary"`
				Context *models.ConversationContext `json:"context"`
			}
			if err := opts.client().do(ctx, http.MethodGet, path+"?full=true", nil, &detail); err != nil {
				return err
			}
			printSummary(out, detail.Summary)
			if detail.Context == nil {
				return nil
			}
			if detail.Context.TaskContext != "" {
				fmt.Fprintf(out, "Task:     %s\n", detail.Context.TaskContext)
			}
			if len(detail.Context.ActiveTools) > 0 {
				fmt.Fprintf(out, "Tools:    %s\n", strings.Join(detail.Context.ActiveTools, ", "))
			}
			fmt.Fprintln(out)
			for _, msg := range detail.Context.ConversationHistory {
				fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.Role, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Include the conversation history")
	return cmd
}

func printSummary(w io.Writer, s models.SessionSummary) {
	fmt.Fprintf(w, "Session:  %s\n", s.SessionID)
	fmt.Fprintf(w, "Avatar:   %s\n", s.AvatarName)
	fmt.Fprintf(w, "Mood:     %s\n", s.MoodState)
	fmt.Fprintf(w, "Messages: %d\n", s.MessageCount)
}

func newFeedbackCmd(opts *cliOptions) *cobra.Command {
	var score float64
	cmd := &cobra.Command{
		Use:   "feedback <avatar> <text...>",
		Short: "Send feedback that adjusts an avatar's personality",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			req := models.FeedbackRequest{
				AvatarName:        args[0],
				UserID:            opts.userID,
				Feedback:          strings.Join(args[1:], " "),
				SatisfactionScore: score,
			}
			var adj models.PersonalityAdjustment
			if err := opts.client().do(ctx, http.MethodPost, "/api/feedback", req, &adj); err != nil {
				return err
			}
			printAdjustment(cmd.OutOrStdout(), adj)
			return nil
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "Satisfaction score in [-1, 1]")
	return cmd
}

func printAdjustment(w io.Writer, adj models.PersonalityAdjustment) {
	fmt.Fprintf(w, "response_speed:  %+.2f\n", adj.ResponseSpeed)
	fmt.Fprintf(w, "technical_depth: %+.2f\n", adj.TechnicalDepth)
	fmt.Fprintf(w, "friendliness:    %+.2f\n", adj.Friendliness)
	fmt.Fprintf(w, "verbosity:       %+.2f\n", adj.Verbosity)
	fmt.Fprintf(w, "creativity:      %+.2f\n", adj.Creativity)
}

func newPrefsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prefs <avatar>",
		Short: "Show learned preferences and personality adjustments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			base := fmt.Sprintf("/api/users/%s/avatars/%s", url.PathEscape(opts.userID), url.PathEscape(args[0]))
			client := opts.client()

			var prefs struct {
				Preferences models.UserPreferences `json:"preferences"`
				Learned     bool                   `json:"learned"`
			}
			if err := client.do(ctx, http.MethodGet, base+"/preferences", nil, &prefs); err != nil {
				return err
			}
			var adj struct {
				Adjustment models.PersonalityAdjustment `json:"adjustment"`
				Found      bool                         `json:"found"`
			}
			if err := client.do(ctx, http.MethodGet, base+"/adjustments", nil, &adj); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if prefs.Learned {
				fmt.Fprintln(out, "Preferences (learned):")
			} else {
				fmt.Fprintln(out, "Preferences (defaults):")
			}
			p := prefs.Preferences
			fmt.Fprintf(out, "  response_length:   %s\n", p.ResponseLength)
			fmt.Fprintf(out, "  technical_depth:   %s\n", p.TechnicalDepth)
			fmt.Fprintf(out, "  emoji_usage:       %s\n", p.EmojiUsage)
			fmt.Fprintf(out, "  interaction_style: %s\n", p.InteractionStyle)
			if len(p.PreferredTopics) > 0 {
				fmt.Fprintf(out, "  preferred_topics:  %s\n", strings.Join(p.PreferredTopics, ", "))
			}

			if !adj.Found {
				fmt.Fprintln(out, "No personality adjustments yet.")
				return nil
			}
			fmt.Fprintln(out, "Adjustments:")
			printAdjustment(out, adj.Adjustment)
			return nil
		},
	}
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			var health map[string]interface{}
			status, err := opts.client().doRaw(ctx, http.MethodGet, "/health", nil, &health)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("健康检查失败 (HTTP %d)", status)
			}
			data, err := json.MarshalIndent(health, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newTokenCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user (requires --api-key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			var resp struct {
				AccessToken string `json:"access_token"`
				TokenType   string `json:"token_type"`
				ExpiresIn   int    `json:"expires_in"`
			}
			body := map[string]string{"user_id": args[0]}
			if err := opts.client().do(ctx, http.MethodPost, "/api/auth/token", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.AccessToken)
			return nil
		},
	}
}
