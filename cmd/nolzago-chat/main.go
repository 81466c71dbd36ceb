package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nolzago/chat/backend/internal/auth"
	"github.com/nolzago/chat/backend/internal/chat"
	"github.com/nolzago/chat/backend/internal/config"
	"github.com/nolzago/chat/backend/internal/database"
	"github.com/nolzago/chat/backend/internal/logging"
	"github.com/nolzago/chat/backend/internal/messages"
	"github.com/nolzago/chat/backend/internal/roster"
	"github.com/nolzago/chat/backend/internal/server"
	"github.com/nolzago/chat/backend/internal/summary"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nolzago-chat",
		Short: "Meetup chat room service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newRosterCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("summarizer-url", defaults.GetString("summarizer.url"), "Summary endpoint; empty disables summaries")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "summarizer.url", "summarizer-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.Log.Level, appConfig.Log.Encoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	directory, err := roster.NewDirectory(roster.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	store, err := messages.NewStore(messages.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	gate, err := chat.NewGate(chat.GateConfig{
		Roster:  directory,
		Timeout: appConfig.Room.AdmissionTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	registry, err := chat.NewRegistry(chat.RegistryConfig{
		Store:          store,
		GracePeriod:    appConfig.Room.GracePeriod,
		PublishTimeout: appConfig.Room.PublishTimeout,
		Observer:       chat.NewLogObserver(logger),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	summaries, err := newSummaryService(appConfig, store, logger)
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Gate:             gate,
		Registry:         registry,
		History:          store,
		Summaries:        summaries,
		Connection: server.ConnectionSettings{
			QueueSize:     appConfig.Room.SendQueueSize,
			WriteTimeout:  appConfig.Connection.WriteTimeout,
			MaxBodyLength: appConfig.Message.MaxLength,
			RatePerSecond: appConfig.Message.RatePerSecond,
			RateBurst:     appConfig.Message.RateBurst,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	// upgraded websockets are hijacked and invisible to Shutdown
	httpServer.RegisterOnShutdown(registry.Shutdown)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Room.ShutdownTimeout)
		defer cancel()
		logger.Info("server stopping", zap.Int("rooms", registry.RoomCount()))
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func newSummaryService(appConfig config.AppConfig, history summary.History, logger *zap.Logger) (*summary.Service, error) {
	serviceConfig := summary.ServiceConfig{
		History:       history,
		MessageWindow: appConfig.Summarizer.MessageWindow,
		Logger:        logger,
	}
	if appConfig.Summarizer.URL != "" {
		client, err := summary.NewClient(summary.ClientConfig{
			Endpoint: appConfig.Summarizer.URL,
			APIKey:   appConfig.Summarizer.APIKey,
			Timeout:  appConfig.Summarizer.Timeout,
		})
		if err != nil {
			return nil, err
		}
		serviceConfig.Summarizer = client
	} else {
		logger.Info("summarizer disabled")
	}
	return summary.NewService(serviceConfig)
}

func newTokenCommand() *cobra.Command {
	var (
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 12h)")
	return cmd
}

// newRosterCommand manages post participation in the local database, standing
// in for the meetup service that normally owns it.
func newRosterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage post participants in the local database",
	}

	var title string
	createPost := &cobra.Command{
		Use:   "create-post <post-id> <owner-id>",
		Short: "Create a post owned by a user",
		Args:  cobra.ExactArgs(2),
		RunE: withDirectory(func(ctx context.Context, directory *roster.Directory, postID chat.PostID, identity chat.Identity) error {
			return directory.CreatePost(ctx, postID, identity, title)
		}),
	}
	createPost.Flags().StringVar(&title, "title", "", "Post title")

	join := &cobra.Command{
		Use:   "join <post-id> <user-id>",
		Short: "Add a participant to a post",
		Args:  cobra.ExactArgs(2),
		RunE: withDirectory(func(ctx context.Context, directory *roster.Directory, postID chat.PostID, identity chat.Identity) error {
			return directory.Join(ctx, postID, identity)
		}),
	}

	leave := &cobra.Command{
		Use:   "leave <post-id> <user-id>",
		Short: "Mark a participant as departed",
		Args:  cobra.ExactArgs(2),
		RunE: withDirectory(func(ctx context.Context, directory *roster.Directory, postID chat.PostID, identity chat.Identity) error {
			return directory.Leave(ctx, postID, identity)
		}),
	}

	cmd.AddCommand(createPost, join, leave)
	return cmd
}

type directoryAction func(ctx context.Context, directory *roster.Directory, postID chat.PostID, identity chat.Identity) error

func withDirectory(action directoryAction) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		postID, err := chat.NewPostID(args[0])
		if err != nil {
			return err
		}
		identity, err := chat.NewIdentity(args[1])
		if err != nil {
			return err
		}

		logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		directory, err := roster.NewDirectory(roster.DirectoryConfig{Database: db, Logger: logger})
		if err != nil {
			return err
		}
		return action(cmd.Context(), directory, postID, identity)
	}
}
