package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/11PRIMUS/memento3/internal/domain"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/port"
)

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, metrics.New(nil))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseRepoID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: repository id %q must be a positive integer", port.ErrInvalidInput, s)
	}
	return id, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			c.AutoMigrate = false
			s, err := openStore(cmd.Context(), &c)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return storeError(c.StoreDriver, err)
			}
			printSuccess(cmd.OutOrStdout(), "schema up to date (%s)", c.DSN())
			return nil
		},
	}
}

// stagePrinter prints each ingestion stage once.
type stagePrinter struct {
	w    io.Writer
	last string
}

func (p *stagePrinter) Stage(stage string, done, total int) {
	if stage == p.last {
		return
	}
	p.last = stage
	printInfo(p.w, "%s", stage)
}

func newIngestCmd() *cobra.Command {
	var maxCommits int
	cmd := &cobra.Command{
		Use:   "ingest <github-url>",
		Short: "Register a repository and index its commits in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				limit := cfg.DefaultMaxCommits
				if cmd.Flags().Changed("max-commits") {
					limit = maxCommits
				}
				repo, err := a.repos.Track(ctx, args[0], limit)
				if err != nil {
					return err
				}
				printInfo(out, "repository %s (id %d)", repo.Slug(), repo.ID)
				if !cmd.Flags().Changed("max-commits") {
					limit = repo.MaxCommits
				}

				report, err := a.pipeline.Ingest(ctx, repo.ID, repo.URL, limit, &stagePrinter{w: out})
				if err != nil {
					return err
				}
				printSuccess(out, "indexed %s", repo.Slug())
				printKV(out, "fetched", report.Fetched)
				printKV(out, "stored", report.Stored)
				printKV(out, "duplicates", report.Duplicates)
				printKV(out, "total commits", report.TotalCommits)
				printKV(out, "embedded", report.Embedding.Embedded)
				printKV(out, "duration", report.Duration.Round(time.Millisecond))
				if report.Partial {
					printWarning(out, "GitHub stopped early; only part of the history was stored")
				}
				if report.Embedding.FailedBatches > 0 {
					printWarning(out, "%d embedding batches failed; run `memento ingest` again to retry them", report.Embedding.FailedBatches)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxCommits, "max-commits", 0, "commits to fetch (1-1000, default from config)")
	return cmd
}

func newAskCmd() *cobra.Command {
	var (
		maxCommits int
		threshold  float64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <repo-id> <question>",
		Short: "Answer a question about a repository's history",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.analysis.Analyze(ctx, domain.AnalysisRequest{
					RepositoryID:        id,
					Question:            strings.Join(args[1:], " "),
					MaxCommits:          maxCommits,
					SimilarityThreshold: threshold,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(res)
				}
				fmt.Fprintln(out, res.Answer)
				fmt.Fprintln(out)
				printKV(out, "confidence", fmt.Sprintf("%.2f", res.Confidence))
				printKV(out, "time", fmt.Sprintf("%.2fs", res.ProcessingTime))
				for _, c := range res.RelevantCommits {
					printKV(out, c.SHA[:12], fmt.Sprintf("%.2f %s", c.Similarity, firstLine(c.Message)))
				}
				if res.Degraded {
					printWarning(out, "the language model did not answer; showing the fallback")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxCommits, "max-commits", domain.DefaultAnalysisCommits, "commits to retrieve (1-50)")
	cmd.Flags().Float64Var(&threshold, "threshold", domain.DefaultSimilarityCutoff, "minimum cosine similarity (0-1)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		limit     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search <repo-id> <query>",
		Short: "List the commits most similar to a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.repos.Get(ctx, id); err != nil {
					return err
				}
				hits, err := a.analysis.FindSimilar(ctx, strings.Join(args[1:], " "), id, limit, threshold)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(hits) == 0 {
					printWarning(out, "no commits above similarity %.2f", threshold)
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SHA\tSCORE\tDATE\tAUTHOR\tMESSAGE")
				for _, h := range hits {
					fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\t%s\n", h.SHA[:12], h.Similarity,
						h.CommitDate.Format(time.DateOnly), h.Author, firstLine(h.Message))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results (1-50)")
	cmd.Flags().Float64Var(&threshold, "threshold", domain.DefaultSimilarityCutoff, "minimum cosine similarity (0-1)")
	return cmd
}

func newReposCmd() *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.repos.List(ctx, page, perPage)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tREPOSITORY\tSTATUS\tCOMMITS\tINDEXED\tLAST ANALYZED")
				for _, r := range p.Items {
					last := "-"
					if r.LastAnalyzedAt != nil {
						last = r.LastAnalyzedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.Slug(), r.Status, r.TotalCommits, r.IndexedCommits, last)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if p.HasNext {
					printInfo(out, "more on page %d", p.Page+1)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", domain.DefaultRepositoryPerPage, "repositories per page")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark repositories stuck in INDEXING as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ids, err := a.sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					printSuccess(cmd.OutOrStdout(), "no stale repositories")
					return nil
				}
				printWarning(cmd.OutOrStdout(), "marked %d repositories as failed: %v", len(ids), ids)
				return nil
			})
		},
	}
}
