// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Crema - espresso machine controller and host tools

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/crema/cmd"
	"github.com/golang/glog"
)

func main() {
	err := cmd.Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
