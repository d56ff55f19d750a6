package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/signer/internal/app"
	"github.com/dropDatabas3/signer/internal/audit"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/observability/logger"
	"github.com/dropDatabas3/signer/internal/presign"
	"github.com/dropDatabas3/signer/internal/security/secretbox"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

// withKeys abre sólo lo necesario para operar el keystore.
func withKeys(ctx context.Context, g *globals, fn func(*keystore.Store) error) error {
	res, err := app.OpenResources(ctx, g.cfg)
	if err != nil {
		return err
	}
	defer res.Close()
	ks, err := app.OpenKeys(ctx, g.cfg, res)
	if err != nil {
		return err
	}
	return fn(ks)
}

type keyRow struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toRow(h keystore.KeyHandle) keyRow {
	return keyRow{ID: h.ID, Algorithm: string(h.Algorithm), Status: string(h.Status), CreatedAt: h.CreatedAt}
}

func keysCmd(g *globals) *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Administración de claves"}

	var id, alg, file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Importa material (PEM, hex o secreto AWS4) desde un archivo o stdin (-)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ok := keystore.ParseAlgorithm(alg)
			if !ok {
				return fmt.Errorf("--alg inválido %q (válidos: %v)", alg, keystore.Algorithms())
			}
			var (
				material []byte
				err      error
			)
			if file == "-" {
				material, err = io.ReadAll(cmd.InOrStdin())
			} else {
				material, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			defer clear(material)
			return withKeys(cmd.Context(), g, func(ks *keystore.Store) error {
				h, err := ks.Import(cmd.Context(), id, a, material)
				if err != nil {
					return err
				}
				logger.S().Infof("imported key %s (%s)", h.ID, h.Algorithm)
				return printJSON(cmd.OutOrStdout(), toRow(h))
			})
		},
	}
	importCmd.Flags().StringVar(&id, "id", "", "id de la clave")
	importCmd.Flags().StringVar(&alg, "alg", "", "algoritmo")
	importCmd.Flags().StringVar(&file, "file", "-", "archivo con el material ('-' = stdin)")
	_ = importCmd.MarkFlagRequired("id")
	_ = importCmd.MarkFlagRequired("alg")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lista las claves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd.Context(), g, func(ks *keystore.Store) error {
				rows := []keyRow{}
				for _, h := range ks.List(cmd.Context()) {
					rows = append(rows, toRow(h))
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}

	var statusID, status string
	setStatusCmd := &cobra.Command{
		Use:   "set-status",
		Short: "Cambia el status (active|disabled|revoked). revoked es terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ok := keystore.ParseStatus(status)
			if !ok {
				return fmt.Errorf("--status inválido %q", status)
			}
			return withKeys(cmd.Context(), g, func(ks *keystore.Store) error {
				h, err := ks.SetStatus(cmd.Context(), statusID, st)
				if err != nil {
					return err
				}
				logger.S().Infof("key %s -> %s", h.ID, h.Status)
				return printJSON(cmd.OutOrStdout(), toRow(h))
			})
		},
	}
	setStatusCmd.Flags().StringVar(&statusID, "id", "", "id de la clave")
	setStatusCmd.Flags().StringVar(&status, "status", "", "nuevo status")
	_ = setStatusCmd.MarkFlagRequired("id")
	_ = setStatusCmd.MarkFlagRequired("status")

	publicCmd := &cobra.Command{
		Use:   "public <id>",
		Short: "Imprime la clave pública en PEM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), g, func(ks *keystore.Store) error {
				pemBytes, err := ks.PublicKeyPEM(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			})
		},
	}

	var secretFile, date, region, service string
	deriveCmd := &cobra.Command{
		Use:   "derive-aws4",
		Short: "Deriva una signing key AWS4 acotada a fecha/región/servicio (imprime material para import)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := time.Parse("20060102", date); err != nil {
				return fmt.Errorf("--date debe ser yyyymmdd: %w", err)
			}
			var (
				secret []byte
				err    error
			)
			if secretFile == "-" {
				secret, err = io.ReadAll(cmd.InOrStdin())
			} else {
				secret, err = os.ReadFile(secretFile)
			}
			if err != nil {
				return err
			}
			defer clear(secret)
			secret = bytes.TrimSpace(secret)
			if len(secret) == 0 {
				return fmt.Errorf("secret vacío")
			}
			key := keystore.DeriveAWS4SigningKey(secret, date, region, service)
			defer clear(key)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", keystore.FormatAWS4SigningKey(date, region, service, key))
			return err
		},
	}
	deriveCmd.Flags().StringVar(&secretFile, "secret-file", "-", "archivo con el secret access key ('-' = stdin)")
	deriveCmd.Flags().StringVar(&date, "date", time.Now().UTC().Format("20060102"), "fecha del scope (yyyymmdd)")
	deriveCmd.Flags().StringVar(&region, "region", presign.DefaultRegion, "región del scope")
	deriveCmd.Flags().StringVar(&service, "service", "s3", "servicio del scope")

	keys.AddCommand(importCmd, listCmd, setStatusCmd, publicCmd, deriveCmd)
	return keys
}

func auditCmd(g *globals) *cobra.Command {
	root := &cobra.Command{Use: "audit", Short: "Consultas al log de auditoría"}

	var requestID, keyID string
	var limit int
	show := &cobra.Command{
		Use:   "show",
		Short: "Muestra records por --request-id o los últimos de --key-id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (requestID == "") == (keyID == "") {
				return fmt.Errorf("se requiere exactamente uno de --request-id o --key-id")
			}
			ctx := cmd.Context()
			res, err := app.OpenResources(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer res.Close()
			store, err := app.OpenAuditStore(g.cfg, res)
			if err != nil {
				return err
			}
			l := audit.NewLog(store)
			defer l.Close()

			var recs []audit.Record
			if requestID != "" {
				recs, err = l.ByRequestID(ctx, requestID)
			} else {
				recs, err = l.ByKeyID(ctx, keyID, limit)
			}
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []audit.Record{}
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	show.Flags().StringVar(&requestID, "request-id", "", "request id")
	show.Flags().StringVar(&keyID, "key-id", "", "key id")
	show.Flags().IntVar(&limit, "limit", 20, "máximo de records para --key-id")

	root.AddCommand(show)
	return root
}

func presignCmd(g *globals) *cobra.Command {
	var o presign.Options
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "presign",
		Short: "Genera una URL S3 presignada pasando por policy y auditoría",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			p := g.cfg.Presign
			if o.KeyID == "" {
				o.KeyID = p.KeyID
			}
			if o.AccessKeyID == "" {
				o.AccessKeyID = p.AccessKeyID
			}
			if o.Bucket == "" {
				o.Bucket = p.Bucket
			}
			if o.Endpoint == "" {
				o.Endpoint = p.Endpoint
			}
			if o.Region == "" {
				o.Region = p.Region
			}
			o.Expires = expires

			url, resp, err := a.Presigner.SignURL(ctx, o)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("presign rechazado: %s", resp.Encode())
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), url)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.RequestID, "request-id", "", "request id (se genera si falta)")
	f.StringVar(&o.Requester, "requester", envOr("USER", ""), "identidad del requester")
	f.StringVar(&o.KeyID, "key-id", "", "clave AWS4 en el keystore")
	f.StringVar(&o.AccessKeyID, "access-key-id", "", "access key id")
	f.StringVar(&o.Bucket, "bucket", "", "bucket")
	f.StringVar(&o.Endpoint, "endpoint", "", "endpoint (ej. s3.amazonaws.com)")
	f.StringVar(&o.Key, "key", "", "object key")
	f.StringVar(&o.Method, "method", presign.DefaultMethod, "método HTTP")
	f.StringVar(&o.Region, "region", "", "región")
	f.DurationVar(&expires, "expires", presign.DefaultExpires, "validez de la URL")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func genSecretboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-secretbox",
		Short: "Genera una master key nueva para SIGNER_MASTER_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "SIGNER_MASTER_KEY=%s\n", k)
			return err
		},
	}
}
