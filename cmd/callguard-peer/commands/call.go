package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/client"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/session"
)

type peerFlags struct {
	number        string
	answerTimeout time.Duration
}

func (f *peerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.number, "number", "", "this peer's own number, sent to the callee")
	cmd.Flags().DurationVar(&f.answerTimeout, "answer-timeout", 30*time.Second, "how long to wait for the call to be answered")
}

func newCallCmd(opts *options) *cobra.Command {
	pf := &peerFlags{}
	cmd := &cobra.Command{
		Use:   "call <number>",
		Short: "Place a call and score the local transcript read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := dialPeer(ctx, cmd, opts, pf, false)
			if err != nil {
				return err
			}
			defer p.close()

			outcome, err := p.c.Call(ctx, args[0])
			if err != nil {
				return err
			}
			if outcome != session.OutcomeRinging {
				return fmt.Errorf("call not placed: %s", outcome)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "ringing %s...\n", args[0])

			waitCtx, cancel := context.WithTimeout(ctx, pf.answerTimeout)
			defer cancel()
			if _, err := p.waitFor(waitCtx, session.StateActive); err != nil {
				_ = p.c.Hangup(context.Background())
				return fmt.Errorf("call not answered: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "call active")

			return p.converse(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	pf.register(cmd)
	return cmd
}

func newListenCmd(opts *options) *cobra.Command {
	pf := &peerFlags{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls and answer them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := dialPeer(ctx, cmd, opts, pf, true)
			if err != nil {
				return err
			}
			defer p.close()

			fmt.Fprintln(cmd.ErrOrStderr(), "waiting for calls")
			for {
				snap, err := p.waitFor(ctx, session.StateActive)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "call active with %s\n", snap.Number)
				if err := p.converse(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
		},
	}
	pf.register(cmd)
	return cmd
}

// peer bundles a connected client with the channels the commands read.
type peer struct {
	c     *client.Client
	store numberStore
	snaps chan session.Snapshot
	lines <-chan string
	log   *slog.Logger
	// hangupOnEOF ends the call when stdin closes. Otherwise EOF only stops
	// local transcript input.
	hangupOnEOF bool
}

func dialPeer(ctx context.Context, cmd *cobra.Command, opts *options, pf *peerFlags, autoAnswer bool) (*peer, error) {
	log, err := opts.logger(cmd)
	if err != nil {
		return nil, err
	}
	lexicon, err := opts.lexicon()
	if err != nil {
		return nil, err
	}
	signalURL, err := client.SignalURL(opts.relayURL)
	if err != nil {
		return nil, err
	}
	store, err := opts.store(log)
	if err != nil {
		return nil, err
	}

	api := client.NewRelayAPI(opts.relayURL, nil)
	iceServers, err := api.ICEServers(ctx)
	if err != nil {
		log.Warn("could not fetch ICE servers from relay; using host candidates only", "err", err)
	}

	p := &peer{
		store:       store,
		snaps:       make(chan session.Snapshot, 32),
		log:         log,
		hangupOnEOF: !autoAnswer,
	}
	c, err := client.Dial(ctx, client.Config{
		URL:        signalURL,
		Number:     pf.number,
		AutoAnswer: autoAnswer,
		Lexicon:    lexicon,
		Flagged:    store,
		Reports:    api,
		ICEServers: iceServers,
		Logger:     log,
		Observer:   p.observe,
		OnRemoteTranscript: func(text string) {
			_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"remote": text})
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p.c = c
	p.lines = readLines(cmd.InOrStdin())
	return p, nil
}

func (p *peer) observe(s session.Snapshot) {
	select {
	case p.snaps <- s:
	default:
		p.log.Debug("dropping session snapshot", "state", s.StateName)
	}
}

func (p *peer) close() {
	_ = p.c.Close()
	_ = p.store.Close()
}

func (p *peer) waitFor(ctx context.Context, state session.State) (session.Snapshot, error) {
	for {
		select {
		case s := <-p.snaps:
			if s.State == state {
				return s, nil
			}
		case <-p.c.Done():
			if err := p.c.Err(); err != nil {
				return session.Snapshot{}, err
			}
			return session.Snapshot{}, client.ErrClosed
		case <-ctx.Done():
			return session.Snapshot{}, ctx.Err()
		}
	}
}

// converse forwards stdin lines as transcript chunks until the call ends.
func (p *peer) converse(ctx context.Context, out, status io.Writer) error {
	for {
		select {
		case s := <-p.snaps:
			if s.State == session.StateEnded {
				fmt.Fprintf(status, "call ended: %s\n", s.EndReason)
				return nil
			}
		case text, ok := <-p.lines:
			if !ok {
				p.lines = nil
				if !p.hangupOnEOF {
					continue
				}
				if err := p.c.Hangup(ctx); err != nil {
					p.log.Debug("hangup", "err", err)
				}
				fmt.Fprintln(status, "call ended: user")
				return nil
			}
			res, err := p.c.Transcript(ctx, text)
			if err != nil {
				return err
			}
			if res.Discarded {
				continue
			}
			if err := printResult(out, text, res); err != nil {
				return err
			}
			if res.Warning {
				fmt.Fprintln(status, "WARNING: this call looks like a scam")
			}
			if res.Forced {
				fmt.Fprintln(status, "call ended: risk threshold reached")
				if err := p.c.FlagNumber(ctx); err != nil {
					p.log.Warn("flag number failed", "err", err)
				}
				return nil
			}
		case <-p.c.Done():
			return p.c.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if text := strings.TrimSpace(scanner.Text()); text != "" {
				ch <- text
			}
		}
	}()
	return ch
}
