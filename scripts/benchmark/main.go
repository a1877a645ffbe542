// Benchmarks static email extraction over page bodies dumped by a previous
// run with DEBUG_MODE=1. Each body is scanned repeatedly and the per-file
// latency, throughput and yield are reported as a table and a JSON file.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/use-agent/mailgrab/extract"
)

// CLI flags
var (
	dir    = flag.String("dir", "debug_output", "Directory of dumped .html bodies")
	runs   = flag.Int("runs", 3, "Number of passes per file for averaging")
	output = flag.String("output", "benchmark-results.json", "JSON output file path")
)

type runResult struct {
	Run        int   `json:"run"`
	ElapsedUs  int64 `json:"elapsed_us"`
	EmailCount int   `json:"email_count"`
}

type fileAverages struct {
	ElapsedUs  float64 `json:"elapsed_us"`
	Throughput float64 `json:"mb_per_s"`
}

type fileResult struct {
	File     string        `json:"file"`
	Bytes    int           `json:"bytes"`
	Emails   []string      `json:"emails"`
	Runs     []runResult   `json:"runs"`
	Averages *fileAverages `json:"averages,omitempty"`
}

type benchmarkReport struct {
	Timestamp   string       `json:"timestamp"`
	Dir         string       `json:"dir"`
	RunsPerFile int          `json:"runs_per_file"`
	Results     []fileResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Mailgrab Extraction Benchmark ===")
	fmt.Printf("Dir:       %s\n", *dir)
	fmt.Printf("Runs/file: %d\n", *runs)
	fmt.Printf("Output:    %s\n", *output)
	fmt.Println()

	files, err := htmlFiles(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no .html files in %s\n", *dir)
		fmt.Fprintf(os.Stderr, "Run mailgrab with DEBUG_MODE=1 first to collect bodies\n")
		os.Exit(1)
	}

	hybrid := extract.NewHybrid(extract.NewExtractor(), nil, false)

	report := benchmarkReport{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Dir:         *dir,
		RunsPerFile: *runs,
	}

	for _, path := range files {
		name := filepath.Base(path)
		body, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  skipping %s: %v\n", name, err)
			continue
		}

		fmt.Printf("Benchmarking %s (%s) ...\n", name, formatInt(len(body)))
		fr := fileResult{File: name, Bytes: len(body)}

		for i := 1; i <= *runs; i++ {
			start := time.Now()
			hits := hybrid.StaticPass(string(body), "")
			elapsed := time.Since(start)

			fr.Runs = append(fr.Runs, runResult{
				Run:        i,
				ElapsedUs:  elapsed.Microseconds(),
				EmailCount: len(hits),
			})
			if i == 1 {
				fr.Emails = hits.Sorted()
			}
			fmt.Printf("  Run %d/%d ... %dus  %d emails\n", i, *runs, elapsed.Microseconds(), len(hits))
		}

		fr.Averages = computeAverages(fr.Runs, len(body))
		report.Results = append(report.Results, fr)
		fmt.Println()
	}

	printTable(report.Results)

	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func htmlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".html") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func computeAverages(runs []runResult, size int) *fileAverages {
	if len(runs) == 0 {
		return nil
	}
	var avg fileAverages
	for _, r := range runs {
		avg.ElapsedUs += float64(r.ElapsedUs)
	}
	avg.ElapsedUs /= float64(len(runs))
	if avg.ElapsedUs > 0 {
		avg.Throughput = float64(size) / avg.ElapsedUs // bytes per us == MB per s
	}
	return &avg
}

func printTable(results []fileResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File\tAvg Latency\tThroughput\tSize\tEmails\n")
	fmt.Fprintf(w, "────\t───────────\t──────────\t────\t──────\n")

	for _, r := range results {
		if r.Averages == nil {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\n", truncate(r.File, 40))
			continue
		}
		fmt.Fprintf(w, "%s\t%dus\t%.1f MB/s\t%s\t%d\n",
			truncate(r.File, 40),
			int64(r.Averages.ElapsedUs),
			r.Averages.Throughput,
			formatInt(r.Bytes),
			len(r.Emails),
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
