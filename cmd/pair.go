package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/surface"
)

const pollInterval = 500 * time.Millisecond

func pairCmd() *cobra.Command {
	var (
		subjectFlag string
		sessionFlag string
		autoRetry   bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link a device: renders the pairing QR and waits for the scan",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			subject := requireSubject(subjectFlag)
			session := sessionFlag
			if session == "" {
				session = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st := buildStack(ctx, cfg)
			stopWatch := watchConfig(cfgPath)

			code := 1
			if err := st.coord.BeginPairing(ctx, session, subject); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			} else {
				code = runPairLoop(ctx, st, session, subject, autoRetry, timeout)
			}

			// os.Exit skips defers, so flush traces explicitly first.
			stopWatch()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			st.shutdown(shutdownCtx)
			cancel()
			stop()
			os.Exit(code)
		},
	}

	cmd.Flags().StringVar(&subjectFlag, "subject", "", "bot instance to pair (required)")
	cmd.Flags().StringVar(&sessionFlag, "session", "", "session ID (default: random)")
	cmd.Flags().BoolVar(&autoRetry, "retry", false, "request a fresh code when the current one expires")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	cmd.MarkFlagRequired("subject")
	return cmd
}

// runPairLoop polls the status surface and drives the terminal UI until a
// terminal outcome. Returns the process exit code.
func runPairLoop(ctx context.Context, st *stack, session, subject string, autoRetry bool, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	var lastCode string
	var lastMessage string

	for {
		select {
		case <-ctx.Done():
			st.coord.Cancel(session, subject)
			fmt.Println("\nCancelled.")
			return 130
		case <-time.After(pollInterval):
		}
		if time.Now().After(deadline) {
			st.coord.Cancel(session, subject)
			fmt.Println("Timed out waiting for pairing.")
			return 1
		}

		v := st.surf.View(session, subject)
		if v.Message != lastMessage {
			fmt.Println(v.Message)
			lastMessage = v.Message
		}

		switch v.State {
		case coordinator.StateAwaitingScan:
			if v.Code != lastCode {
				lastCode = v.Code
				printQR(st.surf, v)
			}

		case coordinator.StateLinked:
			fmt.Printf("Device linked: %s\n", v.LinkedIdentity)
			return 0

		case coordinator.StateExpired:
			if !autoRetry {
				fmt.Println("Run again with --retry, or retry from the dashboard.")
				return 1
			}
			lastCode = ""
			if err := st.coord.Retry(ctx, session, subject); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}

		case coordinator.StateFailed:
			if v.Terminal {
				fmt.Println(v.Message)
				return 1
			}
			if !autoRetry {
				return 1
			}
			lastCode = ""
			if err := st.coord.Retry(ctx, session, subject); err != nil {
				if errors.Is(err, coordinator.ErrRetriesExhausted) {
					fmt.Println("Pairing failed after all retries. Contact support.")
				} else {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
				return 1
			}
		}
	}
}

func printQR(surf *surface.Surface, v surface.View) {
	art, err := surf.QRTerminal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering QR: %v\n", err)
		return
	}
	fmt.Println()
	fmt.Println(art)
	fmt.Printf("Code valid for %ds. Scan it with the device to link.\n\n", int(v.Remaining.Seconds()))
}
