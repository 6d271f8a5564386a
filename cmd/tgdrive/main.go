// tgdrive - a drive kept in a chat.
//
// Sub-commands:
//
//	tgdrive ls [path]                         List a folder
//	tgdrive tree                              Print the whole tree
//	tgdrive mkdir <parent> <name>             Create a folder
//	tgdrive rmdir <path>                      Delete a folder and its files
//	tgdrive mv <src> <dest>                   Move a folder into dest
//	tgdrive rename <path> <name>              Rename a folder
//	tgdrive mvfile <folder> <file> <dest>     Move a file into dest
//	tgdrive renamefile <folder> <file> <name> Rename a file
//	tgdrive put <folder> <local>...           Upload local files
//	tgdrive get <folder> <file> [out]         Download a file
//	tgdrive rm <folder> <file>                Delete a file
//	tgdrive dry-run [on|off]                  Show or switch deletion mode
//	tgdrive cache status|clear|pin|unpin      Manage the download cache
//	tgdrive mount <dir>                       Mount the drive with FUSE
//	tgdrive webdav [addr]                     Serve the drive over WebDAV
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/config"
	"github.com/0xdsaini/telegramdrive/internal/gateway"
	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metastore"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/settings/postgres"
	"github.com/0xdsaini/telegramdrive/internal/storage"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/internal/transport/loopback"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
	"github.com/0xdsaini/telegramdrive/pkg/cache"
)

type command struct {
	usage string
	run   func(ctx context.Context, env *cliEnv, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"ls":         {"ls [path]", cmdList},
		"tree":       {"tree", cmdTree},
		"mkdir":      {"mkdir <parent> <name>", cmdMkdir},
		"rmdir":      {"rmdir <path>", cmdRmdir},
		"mv":         {"mv <src> <dest>", cmdMoveFolder},
		"rename":     {"rename <path> <name>", cmdRenameFolder},
		"mvfile":     {"mvfile <folder> <file> <dest>", cmdMoveFile},
		"renamefile": {"renamefile <folder> <file> <name>", cmdRenameFile},
		"put":        {"put <folder> <local>...", cmdPut},
		"get":        {"get <folder> <file> [out]", cmdGet},
		"rm":         {"rm <folder> <file>", cmdRemove},
		"dry-run":    {"dry-run [on|off]", cmdDryRun},
		"cache":      {"cache status|clear|pin|unpin [folder file]", cmdCache},
		"mount":      {"mount <dir>", cmdMount},
		"webdav":     {"webdav [addr]", cmdWebDAV},
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	flags := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file (default $TGDRIVE_CONFIG)")
	chatID := flags.Int64("chat", 0, "Chat holding the drive (overrides config)")
	yes := flags.BoolP("yes", "y", false, "Replace existing files without asking")
	verbose := flags.BoolP("verbose", "v", false, "Debug logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tgdrive %s [flags]\n", cmd.usage)
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *chatID != 0 {
		cfg.ChatID = *chatID
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Error: logging init: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Mounts and WebDAV clients overwrite files the way local filesystems do.
	var confirm vfs.Confirmer = newPrompt(*yes)
	if name == "mount" || name == "webdav" {
		confirm = vfs.ConfirmFunc(func(string) bool { return true })
	}
	env, err := openDrive(ctx, cfg, confirm)
	if err != nil {
		logging.Error("failed to open drive", zap.Error(err))
		os.Exit(1)
	}
	defer env.Close()

	if err := cmd.run(ctx, env, flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		env.Close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tgdrive <command> [flags] [args]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	for _, name := range sortedCommands() {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

// cliEnv holds the opened drive and what must be closed with it.
type cliEnv struct {
	cfg     *config.Config
	drive   *vfs.FS
	cache   *cache.Cache
	closers []func() error
}

func (e *cliEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logging.Warn("close failed", zap.Error(err))
		}
	}
	e.closers = nil
}

func openDrive(ctx context.Context, cfg *config.Config, confirm vfs.Confirmer) (*cliEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("chat id is required (--chat or TGDRIVE_CHAT_ID)")
	}
	env := &cliEnv{cfg: cfg}

	t, err := openTransport(ctx, cfg, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	st, err := openSettings(ctx, cfg, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	c, err := cache.New(cfg.CacheDir, cfg.CacheMaxSize)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := c.LoadPins(); err != nil {
		logging.Warn("failed to load cache pins", zap.Error(err))
	}
	env.cache = c
	env.closers = append(env.closers, c.SavePins)

	rc := remote.New(t, cfg.ChatID)
	store := metastore.New(rc, st, cfg.Metastore)
	engine := transfer.New(rc, cfg.Transfer)
	env.drive = vfs.New(store, engine, st, vfs.Options{Cache: c, Confirm: confirm})

	if cfg.MetricsAddr != "" {
		startMetrics(cfg.MetricsAddr)
	}
	return env, nil
}

func openTransport(ctx context.Context, cfg *config.Config, env *cliEnv) (transport.Transport, error) {
	if cfg.Transport == config.TransportGateway {
		logging.Info("using gateway transport", zap.String("url", cfg.GatewayURL))
		return gateway.NewClient(gateway.ClientConfig{
			BaseURL:   cfg.GatewayURL,
			AuthToken: cfg.GatewayToken,
		}), nil
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	env.closers = append(env.closers, blobs.Close)
	logging.Warn("using in-process loopback chat; message history lasts only for this process",
		zap.String("storage", cfg.Storage.Type))
	return loopback.New(loopback.Config{
		ChatID:          cfg.ChatID,
		DownloadStep:    cfg.DownloadStep,
		MaxDocumentSize: cfg.Transfer.MaxUploadSize,
	}, blobs), nil
}

func openSettings(ctx context.Context, cfg *config.Config, env *cliEnv) (settings.Store, error) {
	if cfg.Settings == config.SettingsPostgres {
		st, err := postgres.New(ctx, cfg.DatabaseURL, cfg.SettingsNamespace)
		if err != nil {
			return nil, fmt.Errorf("open settings database: %w", err)
		}
		env.closers = append(env.closers, st.Close)
		return st, nil
	}
	st, err := settings.OpenFile(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("open settings file: %w", err)
	}
	return st, nil
}

func startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
}
