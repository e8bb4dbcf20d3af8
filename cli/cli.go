// Package cli provides the command-line interface for signature
// verification.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/sigident/config"
	"github.com/georgepadayatti/sigident/observability"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Output colors
var (
	colorValid   = color.New(color.FgGreen, color.Bold)
	colorInvalid = color.New(color.FgRed, color.Bold)
	colorWarning = color.New(color.FgYellow)
	colorHeader  = color.New(color.Bold)
)

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// errInvalidSignatures makes the process exit with status 1 after output
// has been written.
var errInvalidSignatures = &exitError{code: 1}

// app holds what every command needs after flag parsing.
type app struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	noColor    bool

	config    *config.AppConfig
	logger    observability.Logger
	logCloser io.Closer
}

// setup loads the configuration and logger. It runs before every command.
func (a *app) setup() error {
	if a.noColor {
		color.NoColor = true
	}

	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.LoadAppConfig(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	a.config = cfg

	logger, closer, err := observability.NewLoggerForOutput(cfg.Logging.Output, cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger, a.logCloser = logger, closer
	return nil
}

func (a *app) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// NewRootCommand builds the command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "sigident",
		Short: "Signer identity extraction and signature verification",
		Long: `sigident verifies the digital signatures embedded in PDF documents and
reports, for each signature, who signed it and whether the signature holds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newVerifyCommand(a),
		newVerifyCMSCommand(a),
		newServeCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the CLI with args (without the program name) and returns
// the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// Run executes the CLI with os.Args and exits with its status.
func Run(args []string) {
	if code := Execute(args[1:], os.Stdout, os.Stderr); code != 0 {
		osExit(code)
	}
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "sigident version %s\n", Version)
			fmt.Fprintf(a.stdout, "Build time: %s\n", BuildTime)
		},
	}
}
