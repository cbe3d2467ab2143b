package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crypto_rand "crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/harvester/internal/config"
	"github.com/ehr/harvester/internal/domain/harvest"
	"github.com/ehr/harvester/internal/platform/auth"
	"github.com/ehr/harvester/internal/platform/middleware"
	"github.com/ehr/harvester/internal/platform/mockserver"
	"github.com/ehr/harvester/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "harvester",
		Short:        "FHIR bulk data harvester",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(mockServerCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export the group's patients and download their resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			patients, _ := cmd.Flags().GetStringSlice("patients")

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.Validate(len(patients) == 0); err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.Env, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := harvest.New(cfg, logger).Run(ctx, patients)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().StringP("config", "c", "", "path to the config file (yaml, json or toml)")
	cmd.Flags().StringSliceP("patients", "p", nil, "Patient ndjson files to use instead of a bulk export")
	return cmd
}

func mockServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve a synthetic Bulk Data and FHIR search endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			addr, _ := f.GetString("addr")
			env, _ := f.GetString("env")
			group, _ := f.GetString("group")
			dataDir, _ := f.GetString("data")
			patients, _ := f.GetInt("patients")
			jwksFile, _ := f.GetString("jwks")

			logger := newLogger(os.Stdout, env, "info")

			var dataset *mockserver.Dataset
			if dataDir != "" {
				ds, err := mockserver.LoadDataset(group, dataDir)
				if err != nil {
					return err
				}
				dataset = ds
			} else {
				dataset = mockserver.SampleDataset(group, patients)
			}

			cfg := mockserver.Config{Dataset: dataset, Logger: logger}
			cfg.BaseURL, _ = f.GetString("base-url")
			cfg.ClientID, _ = f.GetString("client-id")
			cfg.ClientSecret, _ = f.GetString("client-secret")
			cfg.PendingPolls, _ = f.GetInt("pending-polls")
			cfg.RetryAfter, _ = f.GetString("retry-after")
			cfg.RequiresAccessToken, _ = f.GetBool("requires-access-token")
			cfg.PageSize, _ = f.GetInt("page-size")
			cfg.OutcomeOnEmpty, _ = f.GetBool("outcome-on-empty")
			cfg.Faults.Every, _ = f.GetInt("fail-every")
			cfg.Faults.Status, _ = f.GetInt("fail-status")

			if jwksFile != "" {
				raw, err := os.ReadFile(jwksFile)
				if err != nil {
					return err
				}
				keys, err := auth.ParsePublicKeys(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", jwksFile, err)
				}
				cfg.PublicKeys = keys
			}
			if rps, _ := f.GetFloat64("rate-limit"); rps > 0 {
				rl := middleware.DefaultRateLimitConfig()
				rl.RequestsPerSecond = rps
				rl.BurstSize = max(1, int(rps))
				cfg.RateLimit = &rl
			}
			key := make([]byte, 32)
			if _, err := crypto_rand.Read(key); err != nil {
				return err
			}
			cfg.SigningKey = key

			srv := mockserver.New(cfg)
			go func() {
				logger.Info().
					Str("addr", addr).
					Str("group", group).
					Strs("types", dataset.Types()).
					Msg("starting mock server")
				if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server error")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info().Msg("shutting down mock server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			logger.Info().Msg("mock server stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8090", "listen address")
	f.String("env", "development", "environment (development uses console logs)")
	f.String("base-url", "", "public origin used in generated URLs")
	f.String("group", "harvest", "group id accepted by the export endpoint")
	f.String("data", "", "directory of *.ndjson files to serve instead of synthetic data")
	f.Int("patients", 10, "number of synthetic patients")
	f.String("client-id", "harvester", "expected client id")
	f.String("client-secret", "", "enable Basic authentication with this secret")
	f.String("jwks", "", "JWK or JWK Set file with client public keys")
	f.Int("pending-polls", 1, "status polls answered with 202 before the manifest")
	f.String("retry-after", "1", "Retry-After value sent while the export is pending")
	f.Bool("requires-access-token", true, "require a bearer token for output files")
	f.Int("page-size", 50, "default search page size")
	f.Bool("outcome-on-empty", false, "add an OperationOutcome entry to empty searches")
	f.Int("fail-every", 0, "fail every Nth FHIR request (0 disables)")
	f.Int("fail-status", http.StatusServiceUnavailable, "status used for injected failures")
	f.Float64("rate-limit", 0, "requests per second allowed per client (0 disables)")
	return cmd
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a client key pair for JWT assertion authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, _ := cmd.Flags().GetString("kid")
			alg, _ := cmd.Flags().GetString("alg")
			dir, _ := cmd.Flags().GetString("out")

			priv, pub, err := generateKeyPair(kid, alg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			privPath := filepath.Join(dir, "private.jwk.json")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return err
			}
			pubPath := filepath.Join(dir, "jwks.json")
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key set: %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().String("kid", "harvester-1", "key id")
	cmd.Flags().String("alg", "RS384", "signing algorithm (RS384, ES384)")
	cmd.Flags().String("out", ".", "output directory")
	return cmd
}

// generateKeyPair returns the private JWK and a JWK Set holding its public
// half.
func generateKeyPair(kid, alg string) (private, public []byte, err error) {
	var creds *auth.JWKCredentials
	switch strings.ToUpper(alg) {
	case "RS384":
		key, err := rsa.GenerateKey(crypto_rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		creds, err = auth.NewJWKCredentials(key, kid, "RS384")
		if err != nil {
			return nil, nil, err
		}
	case "ES384":
		key, err := ecdsa.GenerateKey(elliptic.P384(), crypto_rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		creds, err = auth.NewJWKCredentials(key, kid, "ES384")
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unsupported algorithm %q", alg)
	}

	key, err := jwk.FromRaw(creds.Key)
	if err != nil {
		return nil, nil, err
	}
	if err := key.Set(jwk.KeyIDKey, creds.KeyID); err != nil {
		return nil, nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, creds.Method.Alg()); err != nil {
		return nil, nil, err
	}
	private, err = json.MarshalIndent(key, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	pubJWK, err := creds.PublicJWK()
	if err != nil {
		return nil, nil, err
	}
	public, err = json.MarshalIndent(map[string][]json.RawMessage{"keys": {pubJWK}}, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

func newLogger(w io.Writer, env, level string) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func printSummary(w io.Writer, s *harvest.Summary) {
	types := make([]string, 0, len(s.Counts))
	for t := range s.Counts {
		types = append(types, t)
	}
	sort.Strings(types)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tCOUNT")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%d\n", t, s.Counts[t])
	}
	fmt.Fprintf(tw, "total\t%d\n", s.Resources)
	tw.Flush()

	fmt.Fprintf(w, "\nrequests: %d  failures: %d  duration: %s  throughput: %.1f resources/min\n",
		s.Requests, s.Failures, s.Duration.Round(time.Millisecond), s.Throughput)
	if s.Failures > 0 {
		fmt.Fprintf(w, "see %s for failed queries\n", telemetry.ErrorLogFile)
	}
}
