package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshrelay/meshrelay/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	configFile := fs.String("config", app.DefaultConfigFile, "path to the YAML config file")
	envFile := fs.String("env", "", "path to a .env file (default: next to the config file)")
	persistAliases := fs.Bool("persist-aliases", false, "write resolved room ids back to the config file (env-provided credentials are written too)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(app.UserAgent())
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Initialize(ctx, app.Options{
		ConfigFile:     *configFile,
		EnvFile:        *envFile,
		PersistAliases: *persistAliases,
	})
	if err != nil {
		slog.Error("initialize runtime", "error", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Run(ctx); err != nil {
		slog.Error("run relay", "error", err)
		return 1
	}

	return 0
}
