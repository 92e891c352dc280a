// cmd/omnetctl/cmd_chat.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Corphon/OMNetCore/internal/models"
)

func printTurn(w io.Writer, result *models.TurnResult) {
	if result.Error != "" {
		fmt.Fprintf(w, "%s ⚠️  %s\n", result.Avatar, result.Response)
		fmt.Fprintf(w, "   error: %s\n", result.Error)
		return
	}
	fmt.Fprintf(w, "%s [%s · %s] %s\n", result.Avatar, result.ModelUsed, result.MoodState, result.Response)
	for _, d := range result.Diagnostics {
		fmt.Fprintf(w, "   warning: %s\n", d)
	}
}

func newSayCmd(opts *cliOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "say <avatar> <message...>",
		Short: "Send a single conversation turn",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			req := models.TurnRequest{
				AvatarName: args[0],
				Input:      strings.Join(args[1:], " "),
				UserID:     opts.userID,
				SessionID:  sessionID,
			}
			var result models.TurnResult
			status, err := opts.client().doRaw(ctx, http.MethodPost, "/api/chat", req, &result)
			if err != nil {
				return err
			}
			printTurn(cmd.OutOrStdout(), &result)
			if status != http.StatusOK {
				return fmt.Errorf("请求失败 (HTTP %d)", status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "   session: %s\n", result.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (a new one is created when empty)")
	return cmd
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat <avatar>",
		Short: "Start an interactive chat over websocket",
		Long: `Start an interactive chat with an avatar. Each line is sent as one turn.
Type /quit to leave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			conn, err := opts.client().dialChat(ctx, opts.userID)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s as %s. Type /quit to leave.\n", args[0], opts.userID)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}

				if err := conn.WriteJSON(models.TurnRequest{
					AvatarName: args[0],
					Input:      line,
					UserID:     opts.userID,
					SessionID:  sessionID,
				}); err != nil {
					return fmt.Errorf("发送失败: %w", err)
				}
				var result models.TurnResult
				if err := conn.ReadJSON(&result); err != nil {
					return fmt.Errorf("接收失败: %w", err)
				}
				// 第一轮由服务端生成会话 ID，之后沿用
				if sessionID == "" && result.SessionID != "" {
					sessionID = result.SessionID
				}
				printTurn(out, &result)
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session")
	return cmd
}
