// Command mapactl is an operator console for the result matrix: it loads a
// parameter, applies cell and result edits, saves, signs off and exports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labmapa/internal/config"
	"labmapa/internal/logging"
	"labmapa/internal/mapa"
	"labmapa/internal/rpc"
)

var (
	cfg        config.Config
	backendURL string
	login      string
	verbose    bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "mapactl",
	Short:         "Review and sign off laboratory result matrices",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if login == "" {
			return errors.New("--login (or MAPA_LOGIN) is required")
		}
		return nil
	},
}

func init() {
	cfg = config.Load()
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", cfg.BackendURL, "Backend base URL (or MAPA_BACKEND_URL)")
	rootCmd.PersistentFlags().StringVarP(&login, "login", "u", os.Getenv("MAPA_LOGIN"), "Operator login")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(enterCmd)
	rootCmd.AddCommand(vistarCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.New(level, "console")
}

// commandContext is canceled by SIGINT/SIGTERM or after --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

type connection struct {
	client *rpc.Client
	user   rpc.LoginResponse
	logger *zap.Logger
}

func connect(ctx context.Context) (*connection, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	client := rpc.NewClient(backendURL, rpc.WithTimeout(cfg.BackendTimeout), rpc.WithLogger(logger.Named("rpc")))
	user, err := client.Login(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", login, err)
	}
	logger.Debug("logged in", zap.Int64("user", user.UserID), zap.String("role", user.Role))
	return &connection{client: client, user: user, logger: logger}, nil
}

func (c *connection) open(ctx context.Context, parameterID int64, refreshBeforeSave bool) (*mapa.Session, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return mapa.Open(ctx, c.client, parameterID, c.user.UserID, mapa.Options{
		Logger:            c.logger.Named("mapa"),
		UserName:          c.user.UserName,
		SelfSignoff:       policy.SelfSignoff(),
		RefreshBeforeSave: refreshBeforeSave,
	})
}
