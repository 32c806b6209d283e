// Package main implements the cloudcheck agent that runs on each VM. It
// answers disk queries either over stdio (started through SSH by the
// checker) or as a long-lived NATS responder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/agent"
	"github.com/openfroyo/cloudcheck/pkg/agent/protocol"
	"github.com/openfroyo/cloudcheck/pkg/agent/server"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// stdioTTL ends a stdio session the checker forgot to close.
const stdioTTL = 10 * time.Minute

var (
	stdio        bool
	natsURL      string
	agentID      string
	devicesFile  string
	mountsFile   string
	mountRoot    string
	mountCommand string
	disabled     []string
	ttl          time.Duration
)

func main() {
	// stdout carries the protocol; logs always go to stderr.
	setupLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Agent failed")
		os.Exit(1)
	}
}

func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cloudcheck-agent",
		Short:         "VM agent answering cloudcheck disk queries",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve agent requests",
		Long: `Serve agent requests.

With --stdio the agent announces READY on stdout and answers commands read
from stdin until stdin closes or the TTL expires. Otherwise it subscribes to
agent.<agent-id> on NATS and answers until interrupted.`,
		Example: `  # Session started by the checker over SSH
  cloudcheck-agent serve --stdio

  # Long-lived NATS responder
  cloudcheck-agent serve --nats-url nats://10.0.0.6:4222 --agent-id agent-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			disks := server.NewHostDisks(server.HostDisksConfig{
				DevicesFile:  devicesFile,
				MountsFile:   mountsFile,
				MountRoot:    mountRoot,
				MountCommand: mountCommand,
			}, log.Logger)

			off := make([]protocol.CommandType, 0, len(disabled))
			for _, name := range disabled {
				ct := protocol.CommandType(name)
				if err := ct.Validate(); err != nil {
					return err
				}
				off = append(off, ct)
			}

			srv := server.New(disks, server.Options{
				AgentID:  agentID,
				Disabled: off,
				Logger:   log.Logger,
			})

			if stdio {
				ctx, cancel := context.WithTimeout(cmd.Context(), ttl)
				defer cancel()
				return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
			}

			if agentID == "" {
				return fmt.Errorf("--agent-id is required without --stdio")
			}
			nc, err := agent.Dial(natsURL, log.Logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			log.Info().
				Str("agent_id", agentID).
				Str("nats_url", natsURL).
				Msg("Agent started")
			return srv.ServeNATS(cmd.Context(), nc)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve one session on stdin/stdout")
	cmd.Flags().StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	cmd.Flags().StringVar(&agentID, "agent-id", os.Getenv("CLOUDCHECK_AGENT_ID"), "agent id (NATS subject suffix)")
	cmd.Flags().StringVar(&devicesFile, "devices", "/var/vcap/bosh/persistent_disk_hints.yml", "YAML map of disk CID to block device")
	cmd.Flags().StringVar(&mountsFile, "mounts", "/proc/mounts", "mount table to read")
	cmd.Flags().StringVar(&mountRoot, "mount-root", "/var/vcap/store", "directory persistent disks are mounted under")
	cmd.Flags().StringVar(&mountCommand, "mount-command", "mount", "mount binary")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "commands to answer as unsupported")
	cmd.Flags().DurationVar(&ttl, "ttl", stdioTTL, "maximum stdio session length")

	return cmd
}
