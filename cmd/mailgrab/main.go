package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/use-agent/mailgrab/browser"
	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/extract"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
	"github.com/use-agent/mailgrab/pipeline"
	"github.com/use-agent/mailgrab/score"
	"github.com/use-agent/mailgrab/sitemap"
	"github.com/use-agent/mailgrab/summary"
	"github.com/use-agent/mailgrab/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errInterrupted marks a run cut short by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailgrab",
		Short:         "Find company domains and contact emails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newSummarizeCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		inputPath  string
		outputPath string
		workers    int
		threshold  int
		maxPages   int
		pdf        bool
		domainOnly bool
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "run [company ...]",
		Short: "Resolve domains and scrape emails for a list of companies",
		Long: `Resolve each company name to a domain via web search, then collect email
addresses from the domain's pages. Results are written as JSON lines, one
row per (company, domain, email).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// ── 1. Configuration: environment first, flags override ──
			cfg := config.Load()
			fl := cmd.Flags()
			if fl.Changed("workers") {
				if workers < 1 || workers > 64 {
					return fmt.Errorf("--workers must be in [1,64], got %d", workers)
				}
				cfg.Pipeline.MaxWorkers = workers
			}
			if fl.Changed("threshold") {
				if threshold < 0 || threshold > 100 {
					return fmt.Errorf("--threshold must be in [0,100], got %d", threshold)
				}
				cfg.Pipeline.DomainScoreThreshold = threshold
			}
			if fl.Changed("max-pages") {
				if maxPages < 1 || maxPages > 500 {
					return fmt.Errorf("--max-pages must be in [1,500], got %d", maxPages)
				}
				cfg.Crawl.MaxFallbackPages = maxPages
			}
			if pdf {
				cfg.Crawl.ProcessPDFs = true
			}
			if domainOnly {
				cfg.Pipeline.SaveDomainOnly = true
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			initLogger(cfg.Log)

			// ── 2. Collect company names: arguments, then the input file ──
			companies := make([]string, 0, len(args))
			for _, a := range args {
				if name := strings.TrimSpace(a); name != "" {
					companies = append(companies, name)
				}
			}
			if inputPath != "" {
				fromFile, err := readCompanies(inputPath)
				if err != nil {
					return err
				}
				companies = append(companies, fromFile...)
			}
			if len(companies) == 0 {
				return errors.New("no companies given: pass names as arguments or via --input")
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return runScrape(cfg, companies, outputPath)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&inputPath, "input", "i", "", "file with one company name per line")
	fl.StringVarP(&outputPath, "output", "o", "", "JSONL output path (default: stdout)")
	fl.IntVarP(&workers, "workers", "w", 0, "company worker pool size")
	fl.IntVarP(&threshold, "threshold", "t", 0, "domain score acceptance threshold")
	fl.IntVarP(&maxPages, "max-pages", "p", 0, "per-domain page budget")
	fl.BoolVar(&pdf, "pdf", false, "keep .pdf URLs in scope")
	fl.BoolVar(&domainOnly, "save-domain-only", false, "emit a domain-only row when no email was found")
	fl.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	fl.SortFlags = false
	return cmd
}

func runScrape(cfg *config.Config, companies []string, outputPath string) error {
	// ── 3. Build the engine and optional webhook delivery ──
	eng := pipeline.New(cfg)
	defer eng.Close()

	sender := webhook.New(cfg.Webhook)
	if sender.Enabled() {
		eng.OnResult = sender.Send
		defer sender.Flush()
	}

	// ── 4. Run until done or interrupted ──
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("mailgrab starting",
		"companies", len(companies),
		"workers", cfg.Pipeline.MaxWorkers,
		"threshold", cfg.Pipeline.DomainScoreThreshold,
		"maxPages", cfg.Crawl.MaxFallbackPages,
	)
	result := eng.Run(ctx, companies)

	// ── 5. Emit rows, then the run summary ──
	if err := writeRows(result.Rows, outputPath); err != nil {
		return err
	}
	printSummary(os.Stderr, result)

	if ctx.Err() != nil {
		slog.Warn("run interrupted, partial results written")
		return errInterrupted
	}
	return nil
}

func newSummarizeCmd() *cobra.Command {
	var (
		domainFlag string
		pages      int
		outputPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Walk a domain's pages and capture title, description and text",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if verbose {
				cfg.Log.Level = "debug"
			}
			initLogger(cfg.Log)
			if pages < 1 || pages > 500 {
				return fmt.Errorf("--pages must be in [1,500], got %d", pages)
			}
			return runSummarize(cfg, domainFlag, pages, outputPath)
		},
	}
	cmd.Flags().StringVarP(&domainFlag, "domain", "d", "", "domain or URL to summarize")
	cmd.Flags().IntVarP(&pages, "pages", "p", 100, "page cap")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "JSON output path (default: stdout)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.MarkFlagRequired("domain")
	return cmd
}

func runSummarize(cfg *config.Config, rawDomain string, pages int, outputPath string) error {
	raw := rawDomain
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	domain := score.NormaliseDomain(raw)
	if domain == "" {
		return fmt.Errorf("cannot derive a domain from %q", rawDomain)
	}

	client := fetch.New(cfg)
	defer client.Close()

	var renderer extract.Renderer
	if cfg.Browser.JSFallback {
		svc := browser.New(cfg.Browser)
		defer svc.Stop()
		renderer = svc
	}
	s := summary.New(client, sitemap.NewParser(client, cfg), renderer, cfg.Browser.JSFallback)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, serr := s.Summarize(ctx, domain, pages)
	if err := writeJSON(sum, outputPath); err != nil {
		return err
	}
	if serr != nil {
		return errInterrupted
	}
	return nil
}

// readCompanies loads one company name per line, skipping blanks.
func readCompanies(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return names, nil
}

// writeRows emits one JSON object per row, to the path or stdout.
func writeRows(rows []models.Row, path string) error {
	out := io.Writer(os.Stdout)
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	if path != "" {
		slog.Info("rows saved", "count", len(rows), "path", path)
	}
	return nil
}

func writeJSON(v any, path string) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	body = append(body, '\n')
	if path == "" {
		_, err = os.Stdout.Write(body)
		return err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("summary saved", "path", path)
	return nil
}

// printSummary renders the end-of-run counters box.
func printSummary(w io.Writer, result pipeline.RunResult) {
	st, fs := result.Stats, result.Fetch
	httpErrors := fs.Errors() - fs.NoResponse

	fmt.Fprintf(w, "\n+--------------------------------------------------+\n")
	fmt.Fprintf(w, "| RUN SUMMARY                                      |\n")
	fmt.Fprintf(w, "+--------------------------------------------------+\n")
	fmt.Fprintf(w, "| Leads           : %3d\n", st.Leads)
	fmt.Fprintf(w, "| Domain found    : %3d\n", st.Domains)
	fmt.Fprintf(w, "| No search hits  : %3d\n", st.NoResults)
	fmt.Fprintf(w, "| Domain unclear  : %3d\n", st.DomainUnclear)
	fmt.Fprintf(w, "| Sitemap used    : %3d\n", st.SitemapUsed)
	fmt.Fprintf(w, "| With e-mail     : %3d\n", st.WithEmail)
	fmt.Fprintf(w, "| Without e-mail  : %3d\n", st.WithoutEmail)
	fmt.Fprintf(w, "| Search errors   : %3d\n", st.SearchErrors)
	fmt.Fprintf(w, "| Processing errors: %3d\n", st.ProcessingErrors)
	fmt.Fprintf(w, "| Unique e-mails  : %3d\n", result.UniqueEmails())
	fmt.Fprintf(w, "| Runtime         : %6.1f s\n", result.Elapsed.Seconds())
	fmt.Fprintf(w, "| HTTP Requests   : %3d\n", fs.Total)
	fmt.Fprintf(w, "| HTTP errors     : %3d\n", httpErrors)
	fmt.Fprintf(w, "| No-response     : %3d\n", fs.NoResponse)
	fmt.Fprintf(w, "+--------------------------------------------------+\n")
}

// initLogger configures slog from the LogConfig. Logs go to stderr so that
// JSONL rows on stdout stay clean.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
