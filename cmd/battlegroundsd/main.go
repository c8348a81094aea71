package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/battlegrounds/internal/auth"
	"github.com/danmuck/battlegrounds/internal/config"
	"github.com/danmuck/battlegrounds/internal/logging"
	"github.com/danmuck/battlegrounds/internal/observability"
	"github.com/danmuck/battlegrounds/internal/server"
	"github.com/danmuck/battlegrounds/internal/world"
	"github.com/spf13/cobra"
)

// Set at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "battlegroundsd",
		Short:         "Battlegrounds session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), configCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "battlegroundsd: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the UDP/WebSocket session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig(path)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime(cfg.LogFile)
			defer logging.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "config.toml", "server config file")
	return cmd
}

func serve(ctx context.Context, cfg daemonConfig) error {
	logger := observability.InitLogger("battlegroundsd")

	w, err := world.Load(cfg.WorldFile, cfg.Service.InterestRadius)
	if err != nil {
		return err
	}
	accts, err := config.LoadAccountsConfig(cfg.AccountsFile)
	if err != nil {
		return err
	}
	checker, err := auth.NewAccounts(accts)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(checker, nil)

	svc, err := server.NewService(cfg.Service, server.Deps{
		Auth:  authSvc,
		World: w,
		Login: authSvc,
	})
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload(cfg, w, checker)
			}
		}
	}()

	logger.Info().
		Str("version", version).
		Str("world", w.Name()).
		Int("props", w.Len()).
		Int("accounts", len(accts.Accounts)).
		Msg("starting")
	return svc.Run(ctx)
}

// reload re-reads the world and accounts files. A file that fails to load
// leaves the previous contents in place.
func reload(cfg daemonConfig, w *world.World, checker *auth.Accounts) {
	logger := observability.Component("reload")
	if next, err := world.Load(cfg.WorldFile, cfg.Service.InterestRadius); err != nil {
		logger.Error().Err(err).Str("file", cfg.WorldFile).Msg("world reload failed")
	} else {
		w.Replace(next.Props())
		logger.Info().Int("props", w.Len()).Msg("world reloaded")
	}
	accts, err := config.LoadAccountsConfig(cfg.AccountsFile)
	if err == nil {
		err = checker.Reload(accts)
	}
	if err != nil {
		logger.Error().Err(err).Str("file", cfg.AccountsFile).Msg("accounts reload failed")
		return
	}
	logger.Info().Int("accounts", len(accts.Accounts)).Msg("accounts reloaded")
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config files",
	}

	var kind, output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = defaultConfigPath(kind)
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "server", "config kind: server|world|accounts")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path (defaults to <kind>.toml)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var validateKind string
	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath(validateKind)
			if len(args) == 1 {
				path = args[0]
			}
			if err := validateConfig(validateKind, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", validateKind, path)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&validateKind, "kind", "server", "config kind: server|world|accounts")

	var cost int
	hashCmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt password_hash for the accounts file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := config.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	hashCmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 selects the default)")

	cmd.AddCommand(initCmd, validateCmd, hashCmd)
	return cmd
}

func defaultConfigPath(kind string) string {
	switch kind {
	case "world":
		return "world.toml"
	case "accounts":
		return "accounts.toml"
	default:
		return "config.toml"
	}
}

func validateConfig(kind, path string) error {
	switch kind {
	case "server":
		_, err := loadDaemonConfig(path)
		return err
	case "world":
		cfg, err := config.LoadWorldConfig(path)
		if err != nil {
			return err
		}
		_, err = world.FromConfig(cfg, 0)
		return err
	case "accounts":
		cfg, err := config.LoadAccountsConfig(path)
		if err != nil {
			return err
		}
		_, err = auth.NewAccounts(cfg)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
