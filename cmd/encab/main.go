// Command encab is the CLI entrypoint of spec §6: it resolves the
// config file, builds the Logger, and drives one Supervisor run.
//
// Grounded on aenix-io-talm's main.go (spf13/cobra root command wiring a
// PersistentFlags block and a single ExecuteContextC call) and
// macpromethe-k0s's equivalent root-command pattern; encab needs no
// subcommands, so it registers flags directly on the root command
// instead of a commands.Commands slice.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
	"github.com/encab/encab/internal/supervisor"
)

var configFlag string
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "encab [program-override-argv...]",
	Short: "Container-aware process supervisor",
	Long: "Encab launches a set of declaratively configured child programs,\n" +
		"multiplexes their output into a single tagged log stream, and\n" +
		"terminates cleanly on shutdown signals.",
	Args:              cobra.ArbitraryArgs,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		exitCode = run(args)
		return nil
	},
}

func main() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to the encab config file (overrides ENCAB_CONFIG and the default search path)")

	if _, err := rootCmd.ExecuteContextC(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// run resolves configuration, builds the Logger, and drives one
// Supervisor run to completion, returning the process exit code.
func run(argv []string) int {
	path, err := config.ResolvePath(resolvedConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "encab: %v\n", err)
		return 1
	}

	doc, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encab: %v\n", err)
		return 1
	}

	if errs := doc.Validate(); len(errs) != 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "encab: %v\n", e)
		}
		return 1
	}
	doc = doc.Normalize()

	if override, ok := os.LookupEnv("ENCAB_DRY_RUN"); ok {
		doc.Encab.DryRun = override == "1"
	}

	log := logging.New(os.Stdout, doc.Encab.EffectiveLogFormat())
	for name, p := range doc.Programs {
		log.SetLevel(name, p.EffectiveLogLevel())
	}
	log.SetLevel("encab", doc.Encab.EffectiveLogLevel())

	sup := supervisor.New(doc, log)
	return sup.Run(context.Background(), argv)
}

// resolvedConfigPath applies the --config flag over ENCAB_CONFIG, per
// spec §6 ("ENCAB_CONFIG ... path to config file; takes precedence over
// defaults").
func resolvedConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	return os.Getenv("ENCAB_CONFIG")
}
