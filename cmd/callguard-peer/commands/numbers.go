package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFlagCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flag <number>",
		Short: "Add a number to the flagged set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			s, err := opts.store(log)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Add(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flagged %s\n", args[0])
			return nil
		},
	}
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <number>",
		Short: "Check whether a number is flagged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			s, err := opts.store(log)
			if err != nil {
				return err
			}
			defer s.Close()

			flagged, err := s.Contains(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagged {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is flagged\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not flagged\n", args[0])
			}
			return nil
		},
	}
}

func newFlaggedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flagged",
		Short: "List flagged numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			s, err := opts.store(log)
			if err != nil {
				return err
			}
			defer s.Close()

			numbers, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range numbers {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
