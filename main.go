package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type appFactory func(ctx context.Context, cfg *Config, log *slog.Logger) (*App, error)

func newRootCmd(newApp appFactory) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "calendar-rag",
		Short:         "Question answering over academic calendar documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "cfg/config.yaml", "configuration file")

	// withApp wires the application for a single command run.
	withApp := func(run func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cfgPath)
			if err != nil {
				return err
			}

			logger, logFile, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logFile.Close()

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			return run(cmd, app, args)
		}
	}

	root.AddCommand(
		newServeCmd(withApp),
		newInitCmd(withApp),
		newAddCmd(withApp),
		newReplaceCmd(withApp),
		newListCmd(withApp),
		newAskCmd(withApp),
		newSearchCmd(withApp),
	)

	return root
}

type appRunner func(run func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Starts the MCP server over SSE on the configured address.

When inbox.dir is set, files dropped into it are added to the index.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			ctx := cmd.Context()
			if err := app.Registry.Open(ctx); err != nil {
				return err
			}

			if dir := app.Config.Inbox.Dir; dir != "" {
				delay := time.Duration(app.Config.Inbox.MergeEventsMs) * time.Millisecond
				if err := app.Registry.Watch(ctx, dir, delay, app.Config.Inbox.OCR); err != nil {
					return err
				}
				app.Log.Info("watching inbox", "dir", dir)
			}

			addr := app.Config.ServerAddr
			sse := server.NewSSEServer(NewRagServer(app), server.WithBaseURL(fmt.Sprintf("http://%s", addr)))

			errCh := make(chan error, 1)
			go func() {
				errCh <- sse.Start(addr)
			}()
			cmd.Printf("MCP server listening on http://%s\n", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return sse.Shutdown(shutdownCtx)
			}
		}),
	}
}

func newInitCmd(withApp appRunner) *cobra.Command {
	var ocr bool

	cmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Build the index from a single file",
		Long:  `Builds the index from one PDF or JSON file, backing up an existing index first.`,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			report, err := app.Registry.Initialize(cmd.Context(), args[0], ocr)
			if err != nil {
				return err
			}
			printReplaceReport(cmd, report)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ocr, "ocr", false, "recognize PDF pages as images")

	return cmd
}

func newAddCmd(withApp appRunner) *cobra.Command {
	var ocr bool

	cmd := &cobra.Command{
		Use:   "add [files...]",
		Short: "Add files to the index",
		Long:  `Adds PDF or JSON files to the index, creating it when there is none yet.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			report, err := app.Registry.Add(cmd.Context(), args, ocr)
			if err != nil {
				return err
			}

			cmd.Printf("Added %d chunks from %d sources (%d -> %d)\n", report.Added, len(report.Sources), report.Before, report.After)
			for _, s := range report.Skipped {
				cmd.Printf("  skipped %s: %s\n", s.Path, s.Reason)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ocr, "ocr", false, "recognize PDF pages as images")

	return cmd
}

func newReplaceCmd(withApp appRunner) *cobra.Command {
	var ocr bool

	cmd := &cobra.Command{
		Use:   "replace [files...]",
		Short: "Rebuild the index from the given files",
		Long:  `Backs up the current index and rebuilds it from the given files only.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			report, err := app.Registry.Replace(cmd.Context(), args, ocr)
			if err != nil {
				return err
			}
			printReplaceReport(cmd, report)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ocr, "ocr", false, "recognize PDF pages as images")

	return cmd
}

func printReplaceReport(cmd *cobra.Command, report ReplaceReport) {
	if report.Backup != "" {
		cmd.Printf("Backup: %s\n", report.Backup)
	}
	cmd.Printf("Indexed %d chunks from %d sources\n", report.Count, len(report.Sources))
	for _, s := range report.Skipped {
		cmd.Printf("  skipped %s: %s\n", s.Path, s.Reason)
	}
}

func newListCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexed sources",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			listing, err := app.Registry.List(cmd.Context())
			if err != nil {
				return err
			}

			if !listing.Initialized {
				cmd.Println("The index is not initialized.")
				return nil
			}

			cmd.Printf("%d chunks\n", listing.Count)
			renderSources(cmd.OutOrStdout(), listing)
			return nil
		}),
	}
}

func renderSources(w io.Writer, listing Listing) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Source", "Chunks", "Pages / Events"})
	table.SetAutoWrapText(false)
	for _, s := range listing.Sources {
		table.Append([]string{s.SourceID, strconv.Itoa(s.Chunks), strings.Join(s.Locators, ", ")})
	}
	table.Render()
}

func newAskCmd(withApp appRunner) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the indexed calendar",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			ans, err := app.Composer.Answer(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(ans, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal answer: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Println(ans.Text)
			if len(ans.Sources) > 0 {
				cmd.Println()
				cmd.Println("Sources:")
				for _, s := range ans.Sources {
					cmd.Printf("  %s [%s]\n", s.Metadata.SourceID, s.Metadata.Locator)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON")

	return cmd
}

func newSearchCmd(withApp appRunner) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the passages most similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			if limit < 1 {
				limit = app.Config.Results
			}

			res, err := app.Retriever.Retrieve(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			if len(res) == 0 {
				cmd.Println("No results found.")
				return nil
			}

			for i, r := range res {
				cmd.Printf("[%d] %s [%s] (%.2f)\n", i+1, r.Chunk.Metadata.SourceID, r.Chunk.Metadata.Locator, r.Score)
				cmd.Printf("    %s\n", strings.ReplaceAll(r.Chunk.Text, "\n", "\n    "))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of passages (defaults to results from the config)")

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(NewApp).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
