package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"rollcall/internal/app"
	"rollcall/internal/config"
)

// options are the command-line settings; everything else comes from config
type options struct {
	configFile string
	envFile    string
	addr       string
	help       bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("rollcall", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configFile, "config", "", "path to a JSON or YAML config file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "path to a .env file (ignored if missing)")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address host:port, overrides http.host and http.port")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return opts, flagSet, nil
}

// loadConfig merges the config sources and applies --addr
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: opts.configFile,
		DotEnvFile: opts.envFile,
	})
	if err != nil {
		return nil, err
	}

	if opts.addr != "" {
		host, portText, err := net.SplitHostPort(opts.addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr %q: %w", opts.addr, err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q: %w", portText, err)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		cfg.HTTP.Host = host
		cfg.HTTP.Port = port
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.help {
		fmt.Fprintf(os.Stderr, "Usage: rollcall [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Printf("main: signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	return application.Stop(shutdownCtx)
}
