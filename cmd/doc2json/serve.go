package main

import (
	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/server"
)

var (
	serveHost    string
	servePort    string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the doc2json server",
	Long: `Start the doc2json HTTP server.

Provider credentials are checked at startup. The provider registry is
reloaded when the config file changes unless --no-watch is given.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (includes the registry database)
  - /metrics - Prometheus metrics
  - /api/... - Schema registry, suggestions, extraction and LLM call history

Examples:
  doc2json serve                    # Start on the configured port (default 8080)
  doc2json serve --port 3000        # Start on custom port
  doc2json serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:        host,
			Port:        port,
			App:         a,
			WatchConfig: !serveNoWatch,
			Logger:      a.Logger(),
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload providers when the config file changes")

	rootCmd.AddCommand(serveCmd)
}
