/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusDiagAddr string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusDiagAddr, "diag", "d", "localhost:9876", "address of the running daemon's diagnostic port")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running commontimed and print its role and sync health",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return printStatus(statusDiagAddr)
	},
}

// printStatus dials the diagnostic port, reads its plain-text report for a
// short window, and renders the key/value preamble as a table; the
// state-change/election/bad-packet sections that follow are printed as-is.
func printStatus(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	// The diag server never signals end-of-report explicitly since it keeps
	// the connection open for reset commands; a short read deadline is
	// enough since the report is written synchronously right after accept.
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))

	fields := [][]string{}
	var logLines []string
	inLog := false

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "-- ") {
			inLog = true
			logLines = append(logLines, line)
			continue
		}
		if inLog {
			logLines = append(logLines, line)
			continue
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			fields = append(fields, []string{k, v})
		}
	}

	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	role := fieldValue(fields, "role")
	if colorize {
		if role == "Master" {
			role = color.GreenString(role)
		} else if role != "" {
			role = color.YellowString(role)
		}
	}
	for i, f := range fields {
		if f[0] == "role" {
			fields[i][1] = role
		}
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"field", "value"})
	for _, f := range fields {
		if err := table.Append(f); err != nil {
			log.Warnf("status: rendering row %v: %v", f, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering status table: %w", err)
	}

	for _, l := range logLines {
		fmt.Println(l)
	}
	return nil
}

func fieldValue(fields [][]string, key string) string {
	for _, f := range fields {
		if f[0] == key {
			return f[1]
		}
	}
	return ""
}
