package cmd

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml2pdf/eml"
	"github.com/dhcgn/eml2pdf/filter"
	"github.com/dhcgn/eml2pdf/header"
	"github.com/dhcgn/eml2pdf/mbox"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/stats"
	"github.com/dhcgn/eml2pdf/walker"
)

var statsHeaders = []string{"From", "To", "Subject", "Delivered-To"}

type statsFlags struct {
	reportDir string
	topN      int
	recursive bool
	filters   filter.Options
}

var statsOpts statsFlags

var statsCmd = &cobra.Command{
	Use:   "stats <input-dir | file.mbox>",
	Short: "Show sender, recipient, subject and body statistics without converting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filter.New(statsOpts.filters)
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		report := newStatsReport()
		visit := func(msg model.Message) error {
			if !f.AllowsMessage(msg.Raw) {
				report.filtered++
				return nil
			}
			report.add(msg)
			return nil
		}

		if err := walkSource(args[0], statsOpts.recursive, visit); err != nil {
			return err
		}

		report.print(cmd.OutOrStdout(), statsOpts.topN)
		if statsOpts.filters.Active() {
			printFilterHits(cmd.OutOrStdout(), f.GetStats())
		}

		if statsOpts.reportDir != "" {
			if err := saveCSVReports(report.counter, statsOpts.reportDir, 1000); err != nil {
				return fmt.Errorf("save csv reports: %w", err)
			}
			pterm.Success.Printf("Reports saved to directory: %s\n", statsOpts.reportDir)
		}
		return nil
	},
}

func init() {
	flags := statsCmd.Flags()
	flags.StringVarP(&statsOpts.reportDir, "output", "o", "", "Directory for CSV reports (none written when empty)")
	flags.IntVarP(&statsOpts.topN, "top", "t", 10, "Number of top items to display")
	flags.BoolVarP(&statsOpts.recursive, "recursive", "r", false, "Descend into subdirectories")
	flags.StringArrayVar(&statsOpts.filters.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers")
	flags.StringArrayVar(&statsOpts.filters.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies")
	flags.StringArrayVar(&statsOpts.filters.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers")
	flags.StringArrayVar(&statsOpts.filters.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies")
	rootCmd.AddCommand(statsCmd)
}

// walkSource visits every message of a directory of .eml files or of an
// mbox archive.
func walkSource(path string, recursive bool, fn func(model.Message) error) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return mbox.Read(path, fn)
	}

	files, err := eml.Find(eml.Options{Dir: path, Recursive: recursive})
	if err != nil {
		return err
	}
	for _, file := range files {
		msg, err := eml.Load(file)
		if err != nil {
			pterm.Warning.Printf("%v\n", err)
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

type statsReport struct {
	counter     map[string]map[string]int
	bodies      map[string]int
	messages    int
	filtered    int
	unreadable  int
	attachments int
	bytes       int64
}

func newStatsReport() *statsReport {
	r := &statsReport{
		counter: make(map[string]map[string]int),
		bodies:  make(map[string]int),
	}
	for _, h := range statsHeaders {
		r.counter[h] = make(map[string]int)
	}
	return r
}

func (r *statsReport) add(msg model.Message) {
	r.messages++
	r.bytes += msg.Size

	entity, err := message.Read(bytes.NewReader(msg.Raw))
	if err != nil && entity == nil {
		r.unreadable++
		return
	}

	for _, name := range statsHeaders {
		raw := entity.Header.Get(name)
		if raw == "" {
			continue
		}
		value, err := header.Decode(raw)
		if err != nil {
			value = raw
		} else {
			value = html.UnescapeString(value)
		}
		r.counter[name][value]++
	}

	parts, err := walker.Collect(entity, nil)
	if err != nil {
		r.bodies["unreadable"]++
		return
	}
	r.bodies[bodyKind(parts)]++
	for _, p := range parts {
		if walker.Classify(p) == walker.KindAttachment && p.Filename != nil && *p.Filename != "" {
			r.attachments++
		}
	}
}

// bodyKind names the body the converter would pick for parts.
func bodyKind(parts []model.Part) string {
	kind := "none"
	for _, p := range parts {
		if walker.Classify(p) != walker.KindBody {
			continue
		}
		if p.ContentType == walker.TypeHTML {
			return "html"
		}
		kind = "plain"
	}
	return kind
}

func (r *statsReport) print(w io.Writer, topN int) {
	fmt.Fprintln(w, "Messages")
	fmt.Fprintln(w, strings.Repeat("=", 8))
	fmt.Fprintf(w, "Analyzed: %d (filtered %d, unreadable %d)\n", r.messages, r.filtered, r.unreadable)
	fmt.Fprintf(w, "Attachments: %d\n", r.attachments)
	fmt.Fprintf(w, "Total size: %d bytes\n\n", r.bytes)

	fmt.Fprintln(w, "Body kinds:")
	stats.PrettyPrintTop(w, r.bodies, -1)
	fmt.Fprintln(w)

	for _, name := range statsHeaders {
		if len(r.counter[name]) == 0 {
			continue
		}
		fmt.Fprintf(w, "Top %d %s:\n", topN, name)
		stats.PrettyPrintTop(w, r.counter[name], topN)
		fmt.Fprintln(w)
	}
}

func printFilterHits(w io.Writer, fs filter.Stats) {
	groups := []struct {
		title    string
		patterns []string
	}{
		{"Include header filters", fs.IncludeHeaderPatterns},
		{"Include body filters", fs.IncludeBodyPatterns},
		{"Exclude header filters", fs.ExcludeHeaderPatterns},
		{"Exclude body filters", fs.ExcludeBodyPatterns},
	}
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		hits := make(map[string]int, len(g.patterns))
		for _, p := range g.patterns {
			hits[p] = fs.Hits[p]
		}
		fmt.Fprintf(w, "%s:\n", g.title)
		for _, p := range stats.Top(hits, -1) {
			fmt.Fprintf(w, "  %s: %d hits\n", p.Key, p.Value)
		}
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range statsHeaders {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(name)))
		if err := writeCSV(path, stats.Top(counter[name], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := w.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("-", "_", " ", "_").Replace(name)
}
