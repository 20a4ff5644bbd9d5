package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/auth"
	"github.com/MarcoPoloResearchLab/wordbank/internal/config"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/syncengine"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newAddCommand() *cobra.Command {
	var source, note string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a word or sentence",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				created, err := app.engine.Create(ctx, entry.Draft{Content: strings.Join(args, " "), Source: source, Note: note})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", created.Key(), statusOf(created))
				return syncAfterMutation(ctx, cmd.OutOrStdout(), app)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Where the content was found")
	cmd.Flags().StringVar(&note, "note", "", "Free-text note")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an entry by remote id or local id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := entry.ParseKey(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				if err := app.engine.Delete(ctx, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
				return syncAfterMutation(ctx, cmd.OutOrStdout(), app)
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the merged entry list, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				writeEntries(cmd.OutOrStdout(), app.engine.View().Entries())
				return nil
			})
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one entry with its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := entry.ParseKey(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				found, ok := app.engine.View().Find(key)
				if !ok {
					return fmt.Errorf("%w: %s", syncengine.ErrUnknownEntry, key)
				}
				writeDetail(cmd.OutOrStdout(), found)
				return nil
			})
		},
	}
}

func newSimilarCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <id>",
		Short: "List entries similar to the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := entry.ParseKey(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				similar, err := app.engine.FindSimilar(ctx, key, limit)
				if err != nil {
					return err
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "SCORE\tID\tCONTENT")
				for _, item := range similar {
					fmt.Fprintf(writer, "%.3f\t%s\t%s\n", item.Score, item.Entry.Key(), item.Entry.Content)
				}
				return writer.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results (server default when zero)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				result, err := app.engine.SyncOnce(ctx)
				reportRound(cmd.OutOrStdout(), result)
				return err
			})
		},
	}
}

func newConflictsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				conflicts := app.engine.Conflicts()
				if len(conflicts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no open conflicts")
					return nil
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "ID\tLOCAL\tSERVER")
				for _, conflict := range conflicts {
					fmt.Fprintf(writer, "%s\t%s\t%s\n", conflict.Local.Key(), describeSide(conflict.Local), describeSide(conflict.Server))
				}
				return writer.Flush()
			})
		},
	}
}

func newResolveCommand() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict by keeping the local or the server version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := entry.ParseKey(args[0])
			if err != nil {
				return err
			}
			choice, ok := syncengine.ParseChoice(strings.ToLower(strings.TrimSpace(keep)))
			if !ok {
				return fmt.Errorf("--keep must be local or server")
			}
			return withApp(cmd, func(ctx context.Context, app *clientApp) error {
				if err := app.engine.Resolve(ctx, key, choice); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s keeping %s\n", key, choice)
				if choice == syncengine.KeepLocal {
					return syncAfterMutation(ctx, cmd.OutOrStdout(), app)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "Side to keep: local or server")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing on a timer and on reconnect until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := openClientApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if viper.ConfigFileUsed() != "" {
				viper.OnConfigChange(func(event fsnotify.Event) {
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						return
					}
					interval, err := config.SyncIntervalFrom(viper.GetViper())
					if err != nil {
						app.logger.Warn("ignoring config change", zap.String("file", event.Name), zap.Error(err))
						return
					}
					if interval == app.engine.Interval() {
						return
					}
					if err := app.engine.SetInterval(interval); err != nil {
						app.logger.Warn("failed to apply sync interval", zap.Error(err))
					}
				})
				viper.WatchConfig()
			}

			go app.monitor.Run(ctx, app.remote.Ping, app.cfg.ProbeInterval)
			app.engine.Reload()
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s every %s\n", app.cfg.RemoteBaseURL, app.engine.Interval())
			return app.engine.Run(ctx)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token with the server signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadTokenSettings(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(settings.SigningSecret),
				Issuer:        settings.TokenIssuer,
				Audience:      settings.TokenAudience,
				TokenTTL:      settings.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user identity)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func withApp(cmd *cobra.Command, run func(ctx context.Context, app *clientApp) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openClientApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	return run(ctx, app)
}

func syncAfterMutation(ctx context.Context, out io.Writer, app *clientApp) error {
	result, err := app.engine.SyncOnce(ctx)
	if err != nil && !errors.Is(err, syncengine.ErrRoundInFlight) {
		app.logger.Warn("sync after mutation failed", zap.Error(err))
	}
	reportRound(out, result)
	return nil
}

func reportRound(out io.Writer, result syncengine.RoundResult) {
	switch result.State {
	case syncengine.StateConflict:
		fmt.Fprintf(out, "sync: conflict (%d open, see `wordbank conflicts`)\n", len(result.Conflicts))
	case "":
		return
	default:
		fmt.Fprintf(out, "sync: %s (%d sent, %d entries)\n", result.State, result.Sent, len(result.Merged))
	}
}

func writeEntries(out io.Writer, list []entry.Entry) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTYPE\tSTATUS\tCREATED\tCONTENT")
	for _, item := range list {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			item.Key(), orDash(item.EntryType), statusOf(item), item.CreatedAt.Local().Format("2006-01-02 15:04"), item.Content)
	}
	_ = writer.Flush()
}

func writeDetail(out io.Writer, item entry.Entry) {
	fmt.Fprintf(out, "id:       %s\n", item.Key())
	fmt.Fprintf(out, "content:  %s\n", item.Content)
	fmt.Fprintf(out, "type:     %s\n", orDash(item.EntryType))
	fmt.Fprintf(out, "source:   %s\n", orDash(item.Source))
	fmt.Fprintf(out, "note:     %s\n", orDash(item.Note))
	fmt.Fprintf(out, "tags:     %s\n", orDash(item.Tags))
	fmt.Fprintf(out, "version:  %d\n", item.Version)
	fmt.Fprintf(out, "status:   %s\n", statusOf(item))
	if item.AIAnalysis == "" {
		return
	}
	decoded, err := analysis.Decode(item.EntryType, item.AIAnalysis)
	if err != nil {
		fmt.Fprintf(out, "analysis: unreadable (%v)\n", err)
		return
	}
	switch {
	case decoded.Word != nil:
		fmt.Fprintf(out, "\n%s (%s)\n  %s\n", decoded.Word.Word, decoded.Word.PartOfSpeech, decoded.Word.Definition)
		if len(decoded.Word.Collocations) > 0 {
			fmt.Fprintf(out, "  collocations: %s\n", strings.Join(decoded.Word.Collocations, ", "))
		}
		if decoded.Word.ExampleSentence != "" {
			fmt.Fprintf(out, "  example: %s\n", decoded.Word.ExampleSentence)
		}
	case decoded.Sentence != nil:
		fmt.Fprintf(out, "\nfunction: %s\npattern:  %s\nwhy good: %s\n", decoded.Sentence.Function, decoded.Sentence.Pattern, decoded.Sentence.WhyGood)
		for _, rewrite := range decoded.Sentence.RewriteExamples {
			fmt.Fprintf(out, "  - %s\n", rewrite)
		}
	}
}

func describeSide(item entry.Entry) string {
	if item.Deleted {
		return fmt.Sprintf("deleted (v%d)", item.Version)
	}
	return fmt.Sprintf("%q (v%d)", item.Content, item.Version)
}

func statusOf(item entry.Entry) string {
	if item.Pending() {
		return string(entry.SyncStatusPending)
	}
	return string(entry.SyncStatusSynced)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
