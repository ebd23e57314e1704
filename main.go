// Fleetrack — device fleet registry and command bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetrack/fleetrack/internal/agent"
	"github.com/fleetrack/fleetrack/internal/config"
	"github.com/fleetrack/fleetrack/internal/server"
)

const version = "0.1.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "fleetrack",
		Short: "Fleetrack — device fleet registry and command bus",
		Long: `Fleetrack is a single-binary fleet management backend: devices enroll
and submit inventory through the agent API, operators browse the fleet and
dispatch commands through the JWT-protected dashboard API.`,
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Fleetrack server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := server.Setup(cfg); err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}

			stopAudit := server.StartAuditWriter()
			defer stopAudit()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			server.StartSweeper(ctx)

			gin.SetMode(gin.ReleaseMode)
			addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
			srv := &http.Server{Addr: addr, Handler: server.NewRouter()}

			log.Info().Str("addr", addr).Msg("fleetrack server listening")

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt)

			select {
			case err := <-errCh:
				return err
			case <-quit:
				log.Info().Msg("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the Fleetrack agent on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if srvURL, _ := cmd.Flags().GetString("server"); srvURL != "" {
				cfg.AgentServerURL = srvURL
			}
			if statePath, _ := cmd.Flags().GetString("state"); statePath != "" {
				cfg.AgentStatePath = statePath
			}

			return agent.Run(cfg)
		},
	}
	agentCmd.Flags().String("server", "", "Server base URL, e.g. http://192.168.1.1:8080 (overrides config)")
	agentCmd.Flags().String("state", "", "Path of the agent enrollment state file (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print Fleetrack version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetrack %s (agent %s)\n", version, agent.Version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
