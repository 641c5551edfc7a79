package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/backend"
)

func unlinkCmd() *cobra.Command {
	var (
		subjectFlag string
		dropHistory bool
		disconnect  bool
	)

	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Start over: clear the subject's pairing session server-side",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			subject := requireSubject(subjectFlag)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st := buildStack(ctx, cfg)

			if disconnect {
				if err := st.gateway.Disconnect(ctx, subject); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("%s: disconnected\n", subject)
			}

			if err := st.gateway.ClearSession(ctx, subject, backend.ClearOptions{DropHistory: dropHistory}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s: session cleared\n", subject)
		},
	}

	cmd.Flags().StringVar(&subjectFlag, "subject", "", "bot instance to unlink (required)")
	cmd.Flags().BoolVar(&dropHistory, "drop-history", false, "also drop server-side message history")
	cmd.Flags().BoolVar(&disconnect, "disconnect", false, "disconnect the linked device before clearing")
	cmd.MarkFlagRequired("subject")
	return cmd
}
