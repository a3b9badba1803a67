package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/openmic/greenroom/config"
	srv "github.com/openmic/greenroom/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "greenroom"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: search ./config)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if serveAddr == "" {
				serveAddr = os.Getenv("GREENROOM_HTTP_ADDR")
			}
			if serveAddr == "" {
				serveAddr = cfg.General.Listen
			}
			if serveAddr == "" {
				serveAddr = ":8080"
			}
			return srv.Run(serveAddr, cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				var err error
				dsn, err = cfg.Storage.Postgres.DSN()
				if err != nil {
					return err
				}
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, migrateCmd)
	_ = root.Execute()
}
