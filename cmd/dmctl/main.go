// Command dmctl prepares storage and seeds the user directory.
//
//	dmctl init [--config path]
//	dmctl adduser [--config path] [--email addr] <username>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/config"
	"github.com/jacentio/directmsg/internal/app"
	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/userdir"
)

const usage = `usage:
  dmctl init [--config path]
  dmctl adduser [--config path] [--email addr] <username>
`

func main() {
	_ = godotenv.Load(".env")
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "init":
		err = runInit(ctx, args[1:], stdout, stderr)
	case "adduser":
		err = runAddUser(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}

	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "path to configuration file")
	return fs, configPath
}

func load(configPath string) (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	// Progress goes to stdout, logs to stderr.
	logCfg := cfg.Log
	if logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	logger, flush, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, flush, nil
}

// runInit creates the message tables or files and migrates the user
// directory.
func runInit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("init", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, flush, err := load(*configPath)
	if err != nil {
		return err
	}
	defer flush()

	cfg.DynamoDB.CreateTables = true
	_, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer closeStore()
	fmt.Fprintf(stdout, "store %s ready\n", cfg.Store.Backend)

	users, err := app.OpenUsers(cfg.Users, logger)
	if err != nil {
		return fmt.Errorf("init users: %w", err)
	}
	defer users.Close()
	fmt.Fprintf(stdout, "users %s ready\n", cfg.Users.Backend)
	return nil
}

func runAddUser(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("adduser", stderr)
	email := fs.StringP("email", "e", "", "email address of the user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("adduser takes exactly one username\n%s", usage)
	}
	username := fs.Arg(0)

	cfg, logger, flush, err := load(*configPath)
	if err != nil {
		return err
	}
	defer flush()

	if cfg.Users.Backend == config.UsersStatic {
		return errors.New("static user directory is read from config; edit users.static instead")
	}

	users, err := app.OpenUsers(cfg.Users, logger)
	if err != nil {
		return err
	}
	defer users.Close()

	switch err := users.AddUser(ctx, username, *email); {
	case errors.Is(err, userdir.ErrUserExists):
		return fmt.Errorf("user %q already exists", username)
	case err != nil:
		return err
	}
	fmt.Fprintf(stdout, "added user %s\n", username)
	return nil
}
