// Command doozerctl is the control-socket client: it connects to a
// buildmaster's Unix domain socket, sends one command, and prints the
// ":"-prefixed response lines. The wire protocol is unchanged from
// original_source/ctl/src/ctl.c; the verb tree is reimplemented with
// cobra so each verb gets its own usage/help text.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "doozerctl",
		Short: "control-socket client for a doozer buildmaster",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/doozerctrl",
		"path to the buildmaster's control-socket")

	root.AddCommand(
		buildCmd(),
		showCmd(),
		countCmd(),
		deleteCmd(),
		s3Cmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <project> <revision> <target>",
		Short: "enqueue a build for a project at a revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(append([]string{"build"}, args...))
		},
	}
}

func showCmd() *cobra.Command {
	show := &cobra.Command{Use: "show", Short: "show server state"}
	show.AddCommand(&cobra.Command{
		Use:   "builds <project>",
		Short: "list recent builds for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(append([]string{"show", "builds"}, args...))
		},
	})
	return show
}

func countCmd() *cobra.Command {
	count := &cobra.Command{Use: "count", Short: "count server state"}
	count.AddCommand(&cobra.Command{
		Use:   "builds <project>",
		Short: "count total builds for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(append([]string{"count", "builds"}, args...))
		},
	})
	return count
}

func deleteCmd() *cobra.Command {
	del := &cobra.Command{Use: "delete", Short: "delete server state"}
	del.AddCommand(&cobra.Command{
		Use:   "builds <project> {deprecated|failed|pending}",
		Short: "delete builds matching a filter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(append([]string{"delete", "builds"}, args...))
		},
	})
	return del
}

func s3Cmd() *cobra.Command {
	s3 := &cobra.Command{Use: "s3", Short: "operate on S3-stored artifacts"}
	s3.AddCommand(&cobra.Command{
		Use:   "delete <bucket> <awsid> <secret> <path>",
		Short: "delete an object from an S3-compatible bucket",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(append([]string{"s3", "delete"}, args...))
		},
	})
	return s3
}

// runCmd sends argv as a single space-joined command line and prints the
// server's response, matching ctl.c's docmd: digit-prefixed lines set the
// process exit status, ":"-prefixed lines are printed with the colon
// stripped, anything else is printed with a "???: " marker.
func runCmd(argv []string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("doozerctl: connect %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "X%s\n", strings.Join(argv, " ")); err != nil {
		return fmt.Errorf("doozerctl: send: %w", err)
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			continue
		case line[0] >= '0' && line[0] <= '9':
			status, _ := strconv.Atoi(line)
			if status != 0 {
				os.Exit(status)
			}
			return nil
		case strings.HasPrefix(line, ":"):
			fmt.Println(strings.TrimPrefix(line, ":"))
		default:
			fmt.Printf("???: %s\n", line)
		}
	}
	return sc.Err()
}
