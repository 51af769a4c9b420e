package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/client"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/config"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/flagstore"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
)

const envRelayURL = "CALLGUARD_RELAY_URL"

// options are the persistent flags shared by every command.
type options struct {
	relayURL    string
	dataDir     string
	lexiconPath string
	logLevel    string
	verbose     bool
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "callguard-peer",
		Short: "Terminal peer for the callguard signaling relay",
		Long: `callguard-peer places and answers calls through a callguard relay and
scores the call transcript for scam risk.

Transcript lines are read from stdin, one chunk per line. Each scored chunk is
printed as a JSON object on stdout.

Flagged numbers are kept by the relay unless --data-dir points at a local
store.

Examples:
  # Answer calls on one terminal
  callguard-peer listen --number 5550002

  # Call it from another and type the transcript
  callguard-peer call 5550002 --number 5550001

  # Score a saved transcript offline
  callguard-peer score < transcript.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultRelay := os.Getenv(envRelayURL)
	if defaultRelay == "" {
		defaultRelay = "http://localhost:5000"
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.relayURL, "relay", defaultRelay, "relay base URL (env "+envRelayURL+")")
	pf.StringVar(&opts.dataDir, "data-dir", "", "local flagged-number store directory; empty uses the relay")
	pf.StringVar(&opts.lexiconPath, "lexicon", "", "risk lexicon YAML file; empty uses the built-in table")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	root.AddCommand(
		newCallCmd(opts),
		newListenCmd(opts),
		newScoreCmd(opts),
		newFlagCmd(opts),
		newCheckCmd(opts),
		newFlaggedCmd(opts),
	)
	return root
}

// Execute runs the root command with SIGINT/SIGTERM cancelling its context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *options) logger(cmd *cobra.Command) (*slog.Logger, error) {
	level := o.logLevel
	if o.verbose {
		level = "debug"
	}
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return config.NewLoggerTo(cmd.ErrOrStderr(), config.LogFormatText, lvl)
}

func (o *options) lexicon() (*risk.Lexicon, error) {
	if o.lexiconPath == "" {
		return risk.DefaultLexicon(), nil
	}
	return risk.LoadLexicon(o.lexiconPath)
}

// numberStore is the flagged-number set the CLI reads and writes.
type numberStore interface {
	Contains(ctx context.Context, number string) (bool, error)
	Add(ctx context.Context, number string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

type relayStore struct {
	*client.RelayAPI
}

func (relayStore) Close() error { return nil }

func (o *options) store(log *slog.Logger) (numberStore, error) {
	if o.dataDir != "" {
		s, err := flagstore.OpenBadger(flagstore.BadgerOptions{Dir: o.dataDir, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("open local flag store: %w", err)
		}
		return s, nil
	}
	return relayStore{client.NewRelayAPI(o.relayURL, nil)}, nil
}
