package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/config"
	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/pat"
	"github.com/joelkehle/pat/internal/threadstore"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new file cipher key for PAT_CIPHER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := obscure.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// newObscureCmd builds "obscure" or, with reveal set, "reveal". Both rewrite
// each file in place.
func newObscureCmd(envFile *string, reveal bool) *cobra.Command {
	use, short := "obscure FILE...", "Encrypt patent files in place"
	if reveal {
		use, short = "reveal FILE...", "Decrypt obscured patent files in place"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(*envFile); err != nil {
				return err
			}
			key, err := config.CipherKey()
			if err != nil {
				return err
			}
			o, err := obscure.New(key)
			if err != nil {
				return err
			}
			for _, path := range args {
				op := o.Obscure
				if reveal {
					op = o.Reveal
				}
				if err := op(path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
}

func newAskCmd(envFile *string) *cobra.Command {
	var (
		chatID     int64
		userFile   string
		patents    []string
		message    string
		percentage float64
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Upload patents and send one message to PAT",
		Example: `  patctl ask --user-file mine.pdf --patent theirs.pdf --percentage 83
  patctl ask --chat-id 7731 --user-file mine.pdf -m "What does claim 1 cover?"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			store, err := threadstore.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			o, err := obscure.New(cfg.CipherKey)
			if err != nil {
				return err
			}
			session, err := pat.New(pat.Deps{
				API:      assistant.NewOpenAIWithBaseURL(cfg.OpenAIKey, cfg.OpenAIBaseURL),
				Store:    store,
				Obscurer: o,
				Repairer: cfg.Repairer(),
			}, cfg.Session())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			if chatID > 0 {
				session.SetChatIDTo(chatID)
			} else if _, err := session.AssignChatID(ctx, nil); err != nil {
				return err
			}
			refs := make([]pat.PatentRef, 0, len(patents))
			for _, p := range patents {
				refs = append(refs, pat.PatentRef{Path: p})
			}
			session.SetPatentFiles(userFile, refs)
			if err := session.UploadFiles(ctx); err != nil {
				return err
			}
			if _, err := session.EnsureAssistant(ctx); err != nil {
				return err
			}

			var pct *float64
			if cmd.Flags().Changed("percentage") {
				pct = &percentage
				if strings.TrimSpace(message) == "" {
					message = pat.CompareSentinel
				}
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required without --percentage")
			}
			resp, err := session.GenerateResponse(ctx, message, pct)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chat %d (thread %s)\n\n%s\n", session.ChatID(), resp.ThreadID, resp.Text)
			if resp.ContextPercentage != nil {
				fmt.Fprintf(out, "\ncontext similarity: %d%%\n", *resp.ContextPercentage)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "chat id to continue (default: random)")
	cmd.Flags().StringVar(&userFile, "user-file", "", "the user's obscured patent file")
	cmd.Flags().StringSliceVar(&patents, "patent", nil, "obscured patent file to compare against (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send")
	cmd.Flags().Float64Var(&percentage, "percentage", 0, "TF-IDF text similarity; sends a comparison request")
	cmd.MarkFlagRequired("user-file")
	return cmd
}

func newThreadsCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List persisted chat to thread bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			store, err := threadstore.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			mappings, err := store.List(context.Background())
			if err != nil {
				return err
			}
			for _, m := range mappings {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", m.ChatID, m.ThreadID, m.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
