package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"peerdrop/config"
	"peerdrop/crypto"
	"peerdrop/storage"
)

const usageText = `usage: peerdrop <command> [flags]

commands:
  recv     wait for one incoming file
  send     send a file to a peer
  history  list recorded transfers
  peers    list known peers or scan the LAN
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "peerdrop: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "help", "-h", "--help":
		fmt.Fprint(out, usageText)
		return nil
	case "recv", "send", "history", "peers":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usageText)
		return errUsage
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "recv":
		return a.runRecv(ctx, rest, out)
	case "send":
		return a.runSend(ctx, rest, out)
	case "history":
		return a.runHistory(rest, out)
	default:
		return a.runPeers(ctx, rest, out)
	}
}

// app holds what every command needs: config, identity, store and logger.
type app struct {
	cfg      *config.Config
	dataDir  string
	identity *crypto.Identity
	store    *storage.Store
	log      *logrus.Logger
}

func newApp() (*app, error) {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"function":    "newApp",
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"fingerprint": crypto.FormatFingerprint(identity.Fingerprint()),
		"data_dir":    dataDir,
		"database":    dbPath,
	}).Debug("Startup complete")

	return &app{
		cfg:      cfg,
		dataDir:  dataDir,
		identity: identity,
		store:    store,
		log:      log,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithField("function", "app.Close").WithError(err).Warn("Database close failed")
	}
}

func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}
