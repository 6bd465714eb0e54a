// cmd/apiary/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/napier9/apiary/internal/agent"
	"github.com/napier9/apiary/internal/aggregate"
	"github.com/napier9/apiary/internal/config"
	"github.com/napier9/apiary/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "apiary",
	Short: "honeypot multi-instance aggregation and threat scoring",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Push local honeypot data to the aggregation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		daemon, _ := cmd.Flags().GetBool("daemon")
		if once == daemon {
			return errors.New("specify exactly one of --once or --daemon")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a := agent.New(cfg)

		if once {
			if err := a.RunOnce(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.RunDaemon(ctx)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the multi-instance aggregation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		srv, err := server.NewServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Merge instance data and recompute threats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return aggregate.New(cfg).Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "multi-instance.yaml", "config file path")
	agentCmd.Flags().Bool("once", false, "run one sync cycle and exit")
	agentCmd.Flags().Bool("daemon", false, "run as a daemon")
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(aggregateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
