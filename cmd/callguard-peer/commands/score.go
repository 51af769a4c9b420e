package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/flagstore"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/session"
)

// chunkLine is printed for every scored transcript chunk.
type chunkLine struct {
	Text     string   `json:"text"`
	Delta    int      `json:"delta"`
	Score    int      `json:"score"`
	Matched  []string `json:"matched"`
	Category string   `json:"category"`
	Warning  bool     `json:"warning,omitempty"`
	Forced   bool     `json:"forced,omitempty"`
}

func printResult(w io.Writer, text string, res session.Result) error {
	matched := res.Matched
	if matched == nil {
		matched = []string{}
	}
	return json.NewEncoder(w).Encode(chunkLine{
		Text:     text,
		Delta:    res.Delta,
		Score:    res.Score,
		Matched:  matched,
		Category: string(res.Category),
		Warning:  res.Warning,
		Forced:   res.Forced,
	})
}

func newScoreCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "score [number]",
		Short: "Score a transcript from stdin without placing a call",
		Long: `Score reads transcript chunks from stdin, one per line, and runs them
through a local session exactly as a live call would. It stops at the first
chunk that forces the call to end.

When a number is given and --data-dir is set, a flagged number is refused
before any chunk is scored.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			lexicon, err := opts.lexicon()
			if err != nil {
				return err
			}

			var flagged session.FlaggedNumberSet
			if opts.dataDir != "" {
				s, err := flagstore.OpenBadger(flagstore.BadgerOptions{Dir: opts.dataDir, Logger: log})
				if err != nil {
					return fmt.Errorf("open local flag store: %w", err)
				}
				defer s.Close()
				flagged = s
			}

			number := ""
			if len(args) == 1 {
				number = args[0]
			}

			m := session.NewMachine(session.Config{Lexicon: lexicon, Flagged: flagged, Logger: log})
			outcome, err := m.CallStart(cmd.Context(), number)
			if err != nil {
				return err
			}
			if outcome != session.OutcomeRinging {
				return fmt.Errorf("call not started: %s", outcome)
			}
			if err := m.LocalAnswerReady(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				res := m.Transcript(text)
				if err := printResult(out, text, res); err != nil {
					return err
				}
				if res.Forced {
					fmt.Fprintln(cmd.ErrOrStderr(), "call ended: risk threshold reached")
					break
				}
			}
			return scanner.Err()
		},
	}
}
