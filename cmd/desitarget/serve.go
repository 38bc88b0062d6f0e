package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"desitarget/internal/app"
	"desitarget/internal/config"
	"desitarget/internal/db"
	"desitarget/internal/engine"
	"desitarget/internal/events"
	"desitarget/internal/maskwatch"
	"desitarget/internal/migrate"
	"desitarget/internal/repo"
	"desitarget/internal/server"
)

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serve mask, priority and numobs lookups plus the ledger over HTTP.
Bearer auth is enabled when DESITARGET_JWT_SECRET or server.jwt_secret is set.
With --watch, edits to masks_file are reloaded; a document that fails to load is
rejected and the previous masks stay in service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			eng, err := app.LoadEngine(workspace, cfg)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			holder := maskwatch.NewHolder(eng)

			if watch {
				path := app.MasksPath(workspace, cfg)
				if path == "" {
					return errors.New("--watch needs masks_file in desitarget.yml")
				}
				w, err := maskwatch.NewWatcher(path, holder, func() (*engine.Engine, error) {
					return app.LoadEngine(workspace, cfg)
				}, logger)
				if err != nil {
					return err
				}
				w.OnReload = recordReload(cmd.Context(), events.Writer{DB: conn})
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
			}

			handler, err := server.New(server.Config{
				Engines:  server.NewEngines(holder, app.EngineOptions(cfg)),
				Repo:     &r,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret(cfg)},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving desitarget API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("survey", eng.Survey()),
				zap.Bool("watch", watch))
			fmt.Printf("Serving desitarget API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload masks_file when it changes")
	return cmd
}

func recordReload(ctx context.Context, w events.Writer) func(maskwatch.Result) {
	return func(res maskwatch.Result) {
		evt, payload := events.MasksLoaded, events.EventPayload{"file": res.File}
		if res.Err != nil {
			evt = events.MasksRejected
			payload["error"] = res.Err.Error()
		} else {
			payload["survey"] = res.Engine.Survey()
		}
		if err := w.AppendDirect(context.WithoutCancel(ctx), evt, "", "masks", res.File, payload); err != nil {
			logger.Warn("record mask reload", zap.Error(err))
		}
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(jwtSecret(cfg), subject, scopes, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity; 0 for no expiry")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
