package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ruleforge/core"
	"ruleforge/detect"
)

var (
	scanRuleDir    string
	scanEventsPath string
	scanChunkSize  int
	scanNoReject   bool
	scanShowStats  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Match a rule set against an event log",
	Long: `Scan loads every rule under --rules, reads newline-delimited JSON
events from --events, and reports each rule match with the selection
evidence that produced it.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanRuleDir, "rules", "r", "", "rule file or directory (default: engine.rule_dir)")
	scanCmd.Flags().StringVarP(&scanEventsPath, "events", "e", "", "NDJSON event file, or - for stdin")
	scanCmd.Flags().IntVar(&scanChunkSize, "chunk-size", 0, "events per processing chunk (default: batch.chunk_size)")
	scanCmd.Flags().BoolVar(&scanNoReject, "no-quick-reject", false, "disable the literal prefilter")
	scanCmd.Flags().BoolVar(&scanShowStats, "stats", false, "print batch statistics after the scan")
	_ = scanCmd.MarkFlagRequired("events")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	engine := detect.NewEngine(detect.EngineConfig{
		Lazy:             cfg.Engine.Lazy,
		StrictValidation: cfg.Engine.StrictValidation,
		RegexCacheSize:   cfg.Engine.RegexCacheSize,
		RegexTimeout:     cfg.Engine.RegexTimeout,
		FieldCacheSize:   cfg.Engine.FieldCacheSize,
		Logger:           logger,
	})

	ruleDir := scanRuleDir
	if ruleDir == "" {
		ruleDir = cfg.Engine.RuleDir
	}
	loaded, failed, err := loadRulePath(engine, ruleDir)
	if err != nil {
		return err
	}
	if loaded == 0 {
		return fmt.Errorf("no usable rules under %s", ruleDir)
	}
	logger.Infow("rule set ready", "loaded", loaded, "failed", failed)

	events, err := readEvents(scanEventsPath)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events to scan")
		return nil
	}

	interactive := isTerminal(os.Stdout)
	var spin *spinner.Spinner
	if interactive {
		spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		spin.Suffix = fmt.Sprintf(" scanning %d events", len(events))
		spin.Start()
	}

	chunkSize := scanChunkSize
	if chunkSize == 0 {
		chunkSize = cfg.Batch.ChunkSize
	}
	run := engine.MatchAll(events, detect.BatchOptions{
		ChunkSize:   chunkSize,
		Interactive: interactive,
		QuickReject: cfg.Batch.QuickReject && !scanNoReject,
		Progress: func(processed, total int, stats detect.BatchStats) {
			if spin != nil {
				spin.Suffix = fmt.Sprintf(" scanning %d/%d events, %d matches", processed, total, stats.Matches)
			}
		},
	})
	results := run.Run()
	engine.RecordBatch(run)

	if spin != nil {
		spin.Stop()
	}

	printMatches(results)

	if scanShowStats {
		printStats(run.Stats())
	}
	return nil
}

// loadRulePath loads one rule file or every *.yml / *.yaml file under a
// directory tree.
func loadRulePath(engine *detect.Engine, path string) (loaded, failed int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("rules: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			switch filepath.Ext(p) {
			case ".yml", ".yaml":
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return 0, 0, fmt.Errorf("rules: %w", err)
		}
	} else {
		files = []string{path}
	}

	for _, file := range files {
		data, readErr := os.ReadFile(file)
		if readErr != nil {
			logger.Warnw("rule file unreadable", "file", file, "error", readErr)
			failed++
			continue
		}
		summary, loadErr := engine.LoadRules(data, file)
		loaded += summary.Loaded
		failed += summary.Failed
		if loadErr != nil {
			logger.Warnw("rule file rejected", "file", file, "error", loadErr)
		}
		for _, warning := range summary.Warnings {
			logger.Debugw("rule warning", "file", file, "warning", warning.String())
		}
	}
	return loaded, failed, nil
}

// readEvents reads newline-delimited JSON events. Blank lines are skipped;
// undecodable lines are logged and dropped rather than failing the scan.
func readEvents(path string) ([]*core.Event, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		defer f.Close()
		in = f
	}

	var events []*core.Event
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		ev, err := core.ParseEventJSON(text)
		if err != nil {
			logger.Warnw("event dropped", "line", line, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return events, nil
}

func printMatches(results []*detect.MatchEvidence) {
	if len(results) == 0 {
		color.Green("no matches")
		return
	}

	header := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)
	for _, evidence := range results {
		header.Printf("%s  %s\n", levelTag(evidence.Rule.Level), evidence.Rule.Title)
		dim.Printf("  rule %s  event %s\n", evidence.Rule.ID, evidence.EventID)
		for _, sel := range evidence.Selections {
			mark := color.RedString("✗")
			if sel.Matched {
				mark = color.GreenString("✓")
			}
			fmt.Printf("  %s %s\n", mark, sel.Name)
			for _, field := range sel.Fields {
				name := field.Field
				if name == "" {
					name = "(keyword)"
				}
				status := " "
				if field.Matched {
					status = "*"
				}
				dim.Printf("    %s %s|%s ~ %q\n", status, name, field.Modifier, field.Pattern)
			}
		}
	}
	fmt.Printf("\n%d match(es)\n", len(results))
}

func printStats(stats detect.BatchStats) {
	fmt.Println("\nbatch statistics:")
	fmt.Printf("  events            %d\n", stats.Events)
	fmt.Printf("  rules             %d\n", stats.Rules)
	fmt.Printf("  chunks            %d\n", stats.Chunks)
	fmt.Printf("  evaluations       %d\n", stats.Evaluations)
	fmt.Printf("  key skips         %d\n", stats.KeySkips)
	fmt.Printf("  prefilter skips   %d\n", stats.PrefilterSkips)
	fmt.Printf("  matches           %d\n", stats.Matches)
}

func levelTag(level string) string {
	switch level {
	case "critical":
		return color.New(color.BgRed, color.FgWhite).Sprint(" CRIT ")
	case "high":
		return color.RedString("[high]")
	case "medium":
		return color.YellowString("[med] ")
	case "low":
		return color.CyanString("[low] ")
	default:
		return "[info]"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
