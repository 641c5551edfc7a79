package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var subjectFlag string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend link record for a subject",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			subject := requireSubject(subjectFlag)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st := buildStack(ctx, cfg)

			record, err := st.gateway.GetLinkStatus(ctx, subject)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if !record.Linked {
				fmt.Printf("%s: not linked\n", subject)
				return
			}
			fmt.Printf("%s: linked", subject)
			if record.Identity != "" {
				fmt.Printf(" as %s", record.Identity)
			}
			if record.Timestamp > 0 {
				fmt.Printf(" (since %s)", time.UnixMilli(record.Timestamp).Format(time.RFC3339))
			}
			fmt.Println()
		},
	}

	cmd.Flags().StringVar(&subjectFlag, "subject", "", "bot instance to inspect (required)")
	cmd.MarkFlagRequired("subject")
	return cmd
}
