package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/signer/internal/config"
	"github.com/dropDatabas3/signer/internal/observability/logger"
)

// version se inyecta con -ldflags "-X main.version=..."
var version = "dev"

type globals struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func main() {
	g := &globals{
		configPath: envOr("SIGNER_CONFIG", "configs/signer.yaml"),
		envFile:    ".env",
	}

	root := &cobra.Command{
		Use:           "signer",
		Short:         "Servicio de firma con claves custodiadas, policy y auditoría",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "gen-secretbox" || cmd.Name() == "derive-aws4" {
				return nil
			}
			if g.envFile != "" {
				if err := godotenv.Load(g.envFile); err != nil && !os.IsNotExist(err) {
					log.Printf("no se pudo leer %s: %v", g.envFile, err)
				}
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			cfg.App.Version = version
			g.cfg = cfg
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.App.LogLevel,
				ServiceName: "signer",
				Version:     version,
			})
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", g.configPath, "ruta a signer.yaml (env SIGNER_CONFIG)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", g.envFile, "archivo .env a cargar antes de la config")

	root.AddCommand(
		serveCmd(g),
		keysCmd(g),
		auditCmd(g),
		presignCmd(g),
		genSecretboxCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
