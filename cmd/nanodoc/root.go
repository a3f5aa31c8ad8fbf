package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/arthur-debert/nanodoc/schemafile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CLI is the nanodoc command line tool
type CLI struct {
	rootCmd   *cobra.Command
	viperInst *viper.Viper
	registry  *nanodoc.Registry
	out       io.Writer
	errOut    io.Writer

	config  Config
	logger  *slog.Logger
	logFile io.Closer
	schemas *schemafile.Set
}

// NewCLI creates the command tree writing results to out and diagnostics
// to errOut
func NewCLI(out, errOut io.Writer) *CLI {
	cli := &CLI{
		viperInst: viper.New(),
		registry:  nanodoc.NewRegistry(),
		out:       out,
		errOut:    errOut,
		logger:    slog.New(slog.DiscardHandler),
	}
	cli.createRootCommand()
	cli.addCommands()
	return cli
}

// createRootCommand creates the root Cobra command with Viper integration
func (cli *CLI) createRootCommand() {
	cli.rootCmd = &cobra.Command{
		Use:   "nanodoc",
		Short: "nanodoc CLI - schema-driven document mapping for MongoDB",
		Long: `nanodoc loads document schemas from a YAML schema file and runs
queries against the configured connections.

Configuration Sources (in order of precedence):
1. Command line flags
2. Environment variables (NANODOC_*)
3. Configuration file (--config, NANODOC_CONFIG, ./nanodoc.yaml, ~/.nanodoc/nanodoc.yaml)

Connections are configured by alias:

  schemas: ./schemas.yaml
  connections:
    default:
      uri: mongodb://localhost:27017
      database: blog
      timeout: 5s
    scratch:
      uri: file:///tmp/scratch.json

Examples:
  # Show the fields of a schema
  nanodoc --schemas schemas.yaml describe User

  # Show the query a filter compiles to
  nanodoc compile User --filter '{"age__gte": 18}' --order -age

  # Query the default connection
  nanodoc find User --filter '{"tags": "ops"}' --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if err := setupViperConfig(cli.viperInst, configFile); err != nil {
				return err
			}
			if err := cli.viperInst.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loadConfig(cli.viperInst)
			if err != nil {
				return err
			}
			cli.config = cfg

			logger, logFile, err := initLogging(cfg.LogLevel, cfg.LogQueries, cli.errOut)
			if err != nil {
				return err
			}
			cli.logger, cli.logFile = logger, logFile
			nanodoc.SetLogger(logger)

			return registerConnections(cli.registry, cfg.Connections)
		},
	}
	cli.rootCmd.SetOut(cli.out)
	cli.rootCmd.SetErr(cli.errOut)

	flags := cli.rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration file path")
	flags.StringP("schemas", "s", "", "Schema file path")
	flags.StringP("format", "f", "table", "Output format: table|json|yaml")
	flags.BoolP("quiet", "q", false, "Suppress table headers")
	flags.StringP("alias", "a", "", "Connection alias (defaults to the schema's alias)")
	flags.String("log-level", "warn", "Log level: debug|info|warn|error")
	flags.Bool("log-queries", false, "Also write log records, including queries, to stderr")
}

// Execute runs the command line and releases connections and log files
func (cli *CLI) Execute(ctx context.Context, args []string) error {
	cli.rootCmd.SetArgs(args)
	err := cli.rootCmd.ExecuteContext(ctx)
	if derr := cli.registry.DisconnectAll(context.WithoutCancel(ctx)); derr != nil && err == nil {
		err = WrapError("disconnect", derr)
	}
	nanodoc.SetLogger(nil)
	if cli.logFile != nil {
		_ = cli.logFile.Close()
	}
	return err
}

// formatter returns the output formatter for the resolved flags
func (cli *CLI) formatter() *OutputFormatter {
	return NewOutputFormatter(cli.config.Format, cli.viperInst.GetBool("quiet"))
}
