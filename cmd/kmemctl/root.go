package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/report"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	lang    string
	logFile string
)

var rootCmd = &cobra.Command{
	Use:   "kmemctl",
	Short: "Boot and inspect the simulated kernel memory core",
	Long: `kmemctl boots the kernel memory core (bitmap, buddy and slab allocators,
heap and page tables) on simulated physical memory and reports on its state.
The memory map comes from a synthetic PC layout, a JSON file or a raw
Multiboot2 memory-map tag.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and debug logging")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&lang, "lang", "en", "Language tag for number formatting")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	addMachineFlags(rootCmd)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() error {
	if !verbose && logFile == "" {
		return logger.Init(logger.Options{})
	}
	opts := logger.Options{Enabled: true, Writer: os.Stderr, Level: slog.LevelInfo, JSON: jsonOut}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		opts.Writer = f
	}
	return logger.Init(opts)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// newReport returns a report writer on stdout, or nil in quiet mode.
func newReport() (*report.Writer, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("invalid --lang %q: %w", lang, err)
	}
	if quiet {
		return nil, nil
	}
	return report.New(os.Stdout, tag), nil
}

// parseSize parses a byte count with an optional K, M, G or T suffix
// (binary units).
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	switch {
	case strings.HasSuffix(s, "IB"):
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "B") && !strings.HasPrefix(s, "0X"):
		s = s[:len(s)-1]
	}
	shift := 0
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			shift = 10
		case 'M':
			shift = 20
		case 'G':
			shift = 30
		case 'T':
			shift = 40
		}
		if shift != 0 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v << shift, nil
}

// parseAddr parses a hexadecimal or decimal address.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}
