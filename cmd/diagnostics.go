// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/spf13/cobra"
)

var diagnosticsTimeout int

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics [test]",
	Short: "Run the controller self-tests on demand",
	Long: `Ask the controller to run its safety self-tests and print each result.

The test is one of ram, flash, cpu, io, clock, stack, program-counter (or pc),
or all (the default). The controller streams a header, one result per test
and a closing header with the totals and the run time.

A failing result on a running machine latches the controller into its safe
state, exactly as a failure found by the periodic tests would.

Examples:
  crema diagnostics --port /dev/ttyUSB0
  crema diagnostics cpu --url ws://crema.local/link

Exit codes:
  0 - All tests passed (warnings and skips allowed)
  1 - A test failed, the request was refused or timed out
  2 - Connection error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiagnostics,
}

func init() {
	rootCmd.AddCommand(diagnosticsCmd)
	diagnosticsCmd.Flags().IntVar(&diagnosticsTimeout, "timeout", 10, "Timeout in seconds for the whole run")
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	test := ""
	if len(args) == 1 {
		test = args[0]
	}
	msgType, payload, err := buildDiagnostics(test)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(diagnosticsTimeout)*time.Second)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Crema - Self-tests\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n\n", diagnosticsTimeout)

	acked := make(chan error, 1)
	go func() { acked <- s.call(ctx, msgType, payload) }()

	var (
		results []protocol.DiagResult
		summary *protocol.DiagHeader
	)
	for summary == nil {
		select {
		case p := <-s.packets:
			if p.Type() != protocol.MsgDiagnostics {
				continue
			}
			switch len(p.Payload()) {
			case protocol.DiagHeaderSize:
				h, err := protocol.DecodeDiagHeader(p.Payload())
				if err != nil {
					continue
				}
				if h.Complete {
					summary = &h
				} else {
					fmt.Printf("Running %d test(s)...\n\n", h.Count)
				}
			case protocol.DiagResultSize:
				r, err := protocol.DecodeDiagResult(p.Payload())
				if err != nil {
					continue
				}
				results = append(results, r)
				fmt.Println(formatDiagResult(r))
			}

		case err := <-acked:
			if err != nil {
				fmt.Printf("REQUEST FAILED: %v\n", err)
				os.Exit(1)
			}

		case <-s.Done():
			fmt.Printf("READ FAILED: %v\n", s.Err())
			os.Exit(2)

		case <-ctx.Done():
			fmt.Printf("\nTIMEOUT: run did not complete in %ds (%d result(s) received)\n", diagnosticsTimeout, len(results))
			os.Exit(1)
		}
	}

	fmt.Printf("\n--- Self-test summary ---\n")
	fmt.Printf("%d test(s): %d pass, %d fail, %d warn, %d skip in %d ms\n",
		summary.Count, summary.Pass, summary.Fail, summary.Warn, summary.Skip, summary.DurationMs)

	if summary.Fail > 0 {
		fmt.Printf("The controller has latched its safe state; power cycle or reset it once the cause is cleared.\n")
		os.Exit(1)
	}
	return nil
}

func formatDiagResult(r protocol.DiagResult) string {
	line := fmt.Sprintf("  %-16s %-4s value=%d", classb.TestID(r.Test), classb.Result(r.Result), r.Value)
	if r.Min != 0 || r.Max != 0 {
		line += fmt.Sprintf(" [%d..%d]", r.Min, r.Max)
	}
	if r.Message != "" {
		line += "  " + r.Message
	}
	return line
}
