// cmd/distfsctl is the CLI entry-point built with Cobra.
//
// Usage:
//
//	distfsctl create notes/a.txt           --server localhost:9000
//	distfsctl write notes/a.txt "hello"     --server localhost:9000
//	distfsctl read notes/a.txt              --server localhost:9000
//	distfsctl list notes                    --server localhost:9000
//	distfsctl health                        --server localhost:9000
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distfs/internal/fsclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "distfsctl",
		Short: "CLI client for a distfs node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:9000", "distfs node address (host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"request timeout")

	root.AddCommand(createCmd(), readCmd(), writeCmd(), deleteCmd(), mkdirCmd(), listCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path>",
		Short: "Create an empty file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			if err := c.Create(args[0]); err != nil {
				return err
			}
			fmt.Printf("created %q\n", args[0])
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <path>",
		Short: "Print a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			data, err := c.Read(args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <path> <content>",
		Short: "Overwrite-or-create a file with content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			if err := c.Write(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %q\n", len(args[1]), args[0])
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			if err := c.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			if err := c.Mkdir(args[0]); err != nil {
				return err
			}
			fmt.Printf("created directory %q\n", args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <path>",
		Short: "List a directory's immediate children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			entries, err := c.List(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := "file"
				if e.IsDir {
					kind = "dir"
				}
				fmt.Printf("%-6s %10d  %s\n", kind, e.Size, e.Name)
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether a node is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fsclient.New(serverAddr, timeout)
			ok, err := c.Ping()
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("%s: ok\n", c.Addr())
			} else {
				fmt.Printf("%s: no response\n", c.Addr())
			}
			return nil
		},
	}
}
