package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/folio/provider"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	logLevel   string
	configFile string

	providerCfg provider.Config
)

var rootCmd = &cobra.Command{
	Use:   "foliectl",
	Short: "Exercise and inspect folio memory providers",
	Long: `foliectl drives the folio reference-counted memory providers. It runs
concurrent stress workloads against a configured provider, prints pool
layouts, and reports leaks and corruption the providers detect.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log.level", "warn", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&configFile, "config.file", "", "YAML file with a provider configuration")

	fs := flag.NewFlagSet("provider", flag.ContinueOnError)
	providerCfg.RegisterFlags(fs)
	rootCmd.PersistentFlags().AddGoFlagSet(fs)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the YAML config file on top of the flag defaults. Flags
// given on the command line win over the file.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if configFile == "" {
		return providerCfg.Validate()
	}

	explicit := map[*pflag.Flag]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if strings.HasPrefix(f.Name, "provider.") {
			explicit[f] = f.Value.String()
		}
	})

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &providerCfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", configFile, err)
	}

	for f, v := range explicit {
		if err := f.Value.Set(v); err != nil {
			return fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	}
	return providerCfg.Validate()
}

// newLogger returns a logfmt logger on w filtered at the --log.level.
func newLogger(w io.Writer) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var allow level.Option
	switch logLevel {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowWarn()
	}
	return level.NewFilter(logger, allow)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(w io.Writer, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
