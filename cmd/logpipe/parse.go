package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// parseFailure is printed in place of a record for a line that did not
// parse.
type parseFailure struct {
	Line  string `json:"line"`
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func newParseCmd(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "parse [LINE...]",
		Short: "Parse log lines and print the records as JSON",
		Long: `Detect the format of each line and print the parsed record, one JSON
object per line. Lines come from the arguments, or from standard input
when there are none. Custom patterns from the configuration take part
in detection.

Examples:
  logpipe parse '<34>1 2025-11-11T16:00:00Z host app 1 - - disk full'
  tail -n 100 access.log | logpipe parse --format apache_combined`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := newRegistry(cfg, zap.NewNop())
			if err != nil {
				return err
			}

			parse := reg.DetectAndParse
			if format != "" {
				parse = func(raw string) (models.Record, error) {
					return reg.ParseAs(models.Format(format), raw)
				}
			}

			lines := args
			if len(lines) == 0 {
				if lines, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			total, failed := 0, 0
			for _, line := range lines {
				if strings.TrimSpace(line) == "" {
					continue
				}
				total++
				rec, err := parse(line)
				if err != nil {
					failed++
					err = codec.Encode(out, parseFailure{Line: line, Error: err.Error(), Kind: string(errors.KindOf(err))})
				} else {
					err = codec.Encode(out, rec)
				}
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write output")
				}
			}
			if failed > 0 {
				return errors.Newf(errors.ErrorTypeParse, "%d of %d lines did not parse", failed, total)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Parse with this format only, skipping detection")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read input")
	}
	return lines, nil
}

func newFormatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the parsers in detection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := newRegistry(cfg, zap.NewNop())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available Formats (detection order):")
			for _, f := range reg.Formats() {
				fmt.Fprintf(out, "  - %s (%s)", f.Name, f.Type)
				if f.Description != "" {
					fmt.Fprintf(out, ": %s", f.Description)
				}
				if f.Pattern != "" {
					fmt.Fprintf(out, " %s", f.Pattern)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}
