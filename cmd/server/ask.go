package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	askProfile string
	askBackend string
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Send one message to the agent and print the transcript of the turn",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if askBackend != "" {
			cfg.Agent.Backend = askBackend
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		resp, err := a.chats.Submit(ctx, askProfile, strings.Join(args, " "))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range resp.Messages {
			switch {
			case m.Sender == models.SenderUser:
				continue
			case m.IsToolOutput:
				fmt.Fprintf(out, "  > %s\n", m.Text)
			default:
				fmt.Fprintln(out, m.Text)
			}
		}
		if resp.Reply != nil && resp.Reply.IsError {
			return fmt.Errorf("turn failed, run the same message again to retry")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askProfile, "profile", "p", models.DefaultProfileID, "profile to act as")
	askCmd.Flags().StringVar(&askBackend, "backend", "", "drive a remote server (e.g. http://localhost:3001) instead of a local browser")
}
