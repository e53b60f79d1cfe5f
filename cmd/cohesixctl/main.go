// Command cohesixctl is the host-side CLI driving one console session's
// verbs against a cohesixd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukeb-aidev/cohesix/internal/config"
	"github.com/lukeb-aidev/cohesix/internal/session"
	"github.com/lukeb-aidev/cohesix/internal/translock"
)

func main() {
	var configPath, role, ticket string

	root := &cobra.Command{
		Use:   "cohesixctl",
		Short: "cohesix console client",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to client config YAML")
	root.PersistentFlags().StringVar(&role, "role", "queen", "attach role")
	root.PersistentFlags().StringVar(&ticket, "ticket", "", "attach ticket (JWT)")

	root.AddCommand(
		pingCmd(&configPath, &role, &ticket),
		tailCmd(&configPath, &role, &ticket),
		catCmd(&configPath, &role, &ticket),
		lsCmd(&configPath, &role, &ticket),
		echoCmd(&configPath, &role, &ticket),
		casCmd(&configPath, &role, &ticket),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func clientFromConfig(configPath, role, ticket string) (*session.Client, func(), error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load client config: %w", err)
	}
	token, err := config.ResolveAuthToken(cfg.AuthToken, "COHESIX_AUTH_TOKEN", false)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve auth token: %w", err)
	}

	var lock *translock.Lock
	cleanup := func() {
		if lock != nil {
			lock.Release()
		}
	}
	if cfg.LockEnabled {
		lock, err = translock.Acquire(translock.PathFor(cfg.LockDir, cfg.Endpoint))
		if err != nil {
			return nil, cleanup, fmt.Errorf("acquire transport lock: %w", err)
		}
	}

	c := session.NewClient(session.ClientOptions{
		Endpoint:     cfg.Endpoint,
		MaxMsize:     cfg.MaxMsize,
		ReadTimeout:  cfg.ReadTimeout,
		AuthToken:    token,
		Role:         role,
		Ticket:       ticket,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		RetryCeiling: cfg.RetryCeiling,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.EffectiveDeadline())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return c, func() { c.Quit(); cleanup() }, nil
}

func pingCmd(configPath, role, ticket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check the daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
			if err != nil {
				return err
			}
			defer cleanup()
			start := time.Now()
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Printf("pong in %s\n", time.Since(start))
			return nil
		},
	}
}

func tailCmd(configPath, role, ticket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [path]",
		Short: "stream console lines from path (defaults to the CAS event log)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
			if err != nil {
				return err
			}
			defer cleanup()
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			lines, err := c.Tail(path)
			if err != nil {
				return err
			}
			printLines(lines)
			return nil
		},
	}
}

func catCmd(configPath, role, ticket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cat [path]",
		Short: "read a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
			if err != nil {
				return err
			}
			defer cleanup()
			lines, err := c.Read(args[0])
			if err != nil {
				return err
			}
			printLines(lines)
			return nil
		},
	}
}

func lsCmd(configPath, role, ticket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "list a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
			if err != nil {
				return err
			}
			defer cleanup()
			lines, err := c.List(args[0])
			if err != nil {
				return err
			}
			printLines(lines)
			return nil
		},
	}
}

func echoCmd(configPath, role, ticket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "echo [path] [content]",
		Short: "write a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := c.Write(args[0], args[1])
			if err != nil {
				return err
			}
			if !ack.OK {
				return fmt.Errorf("echo rejected: %s", ack.Reason)
			}
			return nil
		},
	}
}

// casCmd groups the CAS upload/status subcommands, grounded on the
// namespace projection in spec.md §6: an upload is a sequence of ECHO
// appends against updates/<epoch>/manifest and its chunk paths; status
// is a CAT of updates/<epoch>/status.
func casCmd(configPath, role, ticket *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "cas",
		Short: "content-addressed update store operations",
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "status <epoch>",
			Short: "show an update's assembly status",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
				if err != nil {
					return err
				}
				defer cleanup()
				lines, err := c.Read("updates/" + args[0] + "/status")
				if err != nil {
					return err
				}
				printLines(lines)
				return nil
			},
		},
		&cobra.Command{
			Use:   "upload-manifest <epoch> <manifest-json-b64>",
			Short: "append a manifest to an update epoch",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
				if err != nil {
					return err
				}
				defer cleanup()
				ack, err := c.Write("updates/"+args[0]+"/manifest", "b64:"+args[1])
				if err != nil {
					return err
				}
				if !ack.OK {
					return fmt.Errorf("manifest rejected: %s", ack.Reason)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "upload-chunk <epoch> <sha256> <chunk-b64>",
			Short: "append a chunk to an update epoch",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, cleanup, err := clientFromConfig(*configPath, *role, *ticket)
				if err != nil {
					return err
				}
				defer cleanup()
				ack, err := c.Write("updates/"+args[0]+"/chunks/"+args[1], "b64:"+args[2])
				if err != nil {
					return err
				}
				if !ack.OK {
					return fmt.Errorf("chunk rejected: %s", ack.Reason)
				}
				return nil
			},
		},
	)
	return root
}

func printLines(lines []string) {
	fmt.Println(strings.Join(lines, "\n"))
}
