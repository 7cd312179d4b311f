// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var bootInfoTimeout int

var bootInfoCmd = &cobra.Command{
	Use:   "boot_info",
	Short: "Request and print the controller boot information",
	Long: `Send a GET_BOOT command and print the MSG_BOOT reply: firmware
version, machine type, board, reset reason and device id.

Exit codes:
  0 - Boot information received
  1 - The controller refused or did not answer
  2 - Connection error`,
	RunE: runBootInfo,
}

func init() {
	rootCmd.AddCommand(bootInfoCmd)
	bootInfoCmd.Flags().IntVar(&bootInfoTimeout, "timeout", 5, "Timeout in seconds")
}

func runBootInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(bootInfoTimeout)*time.Second)
	defer cancel()

	p, err := s.request(ctx, protocol.MsgCmdGetBoot, nil, protocol.MsgBoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	boot, err := protocol.DecodeBoot(p.Payload())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Malformed reply: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Crema - Boot Information\n")
	fmt.Printf("Connection: %s\n\n", s.info)
	fmt.Print(formatBoot(boot))
	return nil
}

func formatBoot(b protocol.Boot) string {
	kind := machine.Type(b.MachineType).String()
	if p, err := machine.LookupType(machine.Type(b.MachineType)); err == nil {
		kind = fmt.Sprintf("%s (%s)", kind, p.Title)
	}
	device := "not reported"
	if id := uuid.UUID(b.DeviceID); id != uuid.Nil {
		device = id.String()
	}

	out := fmt.Sprintf("  Firmware:     v%d.%d.%d\n", b.Major, b.Minor, b.Patch)
	out += fmt.Sprintf("  Machine:      %s\n", kind)
	out += fmt.Sprintf("  Board:        0x%02X rev %d.%d\n", b.BoardType, b.BoardMajor, b.BoardMinor)
	out += fmt.Sprintf("  Reset reason: 0x%08X\n", b.ResetReason)
	out += fmt.Sprintf("  Device ID:    %s\n", device)
	return out
}
