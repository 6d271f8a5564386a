package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/fusefs"
	"github.com/0xdsaini/telegramdrive/internal/gateway"
	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
	"github.com/0xdsaini/telegramdrive/internal/webdav"
	"github.com/0xdsaini/telegramdrive/pkg/cache"
	"github.com/0xdsaini/telegramdrive/pkg/models"
)

func sortedCommands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: tgdrive %s", usage)
	}
	return nil
}

func printResult(res *vfs.Result) {
	fmt.Println(res.Message)
	for _, p := range res.Failed {
		fmt.Printf("  failed: %s\n", p)
	}
}

func cmdList(ctx context.Context, env *cliEnv, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	folder, err := env.drive.List(ctx, path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, sub := range folder.Subfolders {
		fmt.Fprintf(w, "%s/\t\t\n", sub.Name)
	}
	for _, f := range folder.Files {
		cached := ""
		if env.cache.IsCached(cache.Key(f.RemoteRef)) {
			cached = "cached"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Filename, formatSize(f.Size), f.Type, cached)
	}
	return w.Flush()
}

func cmdTree(ctx context.Context, env *cliEnv, args []string) error {
	root, err := env.drive.Tree(ctx)
	if err != nil {
		return err
	}
	fmt.Println("/")
	printTree(root, "")
	return nil
}

func printTree(f *models.Folder, indent string) {
	n := len(f.Subfolders) + len(f.Files)
	i := 0
	branch := func() (string, string) {
		i++
		if i == n {
			return indent + "└── ", indent + "    "
		}
		return indent + "├── ", indent + "│   "
	}
	for _, sub := range f.Subfolders {
		prefix, next := branch()
		fmt.Printf("%s%s/\n", prefix, sub.Name)
		printTree(sub, next)
	}
	for _, file := range f.Files {
		prefix, _ := branch()
		fmt.Printf("%s%s (%s)\n", prefix, file.Filename, formatSize(file.Size))
	}
}

func cmdMkdir(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["mkdir"].usage); err != nil {
		return err
	}
	res, err := env.drive.CreateFolder(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdRmdir(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 1, commands["rmdir"].usage); err != nil {
		return err
	}
	res, err := env.drive.DeleteFolder(ctx, args[0])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdMoveFolder(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["mv"].usage); err != nil {
		return err
	}
	res, err := env.drive.MoveFolder(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdRenameFolder(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["rename"].usage); err != nil {
		return err
	}
	res, err := env.drive.RenameFolder(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdMoveFile(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 3, commands["mvfile"].usage); err != nil {
		return err
	}
	res, err := env.drive.MoveFile(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdRenameFile(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 3, commands["renamefile"].usage); err != nil {
		return err
	}
	res, err := env.drive.RenameFile(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdPut(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["put"].usage); err != nil {
		return err
	}
	blobs := make([]vfs.Blob, 0, len(args)-1)
	for _, p := range args[1:] {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		blobs = append(blobs, vfs.Blob{Name: filepath.Base(p), Data: data})
	}
	res, err := env.drive.UploadFiles(ctx, args[0], blobs)
	if res != nil {
		printResult(res)
	}
	return err
}

func cmdGet(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["get"].usage); err != nil {
		return err
	}
	out := args[1]
	if len(args) > 2 {
		out = args[2]
	}

	var progress transfer.ProgressFunc
	if isTerminal(os.Stderr) {
		progress = func(p transfer.Progress) {
			fmt.Fprintf(os.Stderr, "\r%-8s %5.1f%% (%s / %s)", p.Phase, p.Percent, formatSize(p.Done), formatSize(p.Total))
			if p.Done == p.Total && p.Phase == transfer.PhaseRead {
				fmt.Fprintln(os.Stderr)
			}
		}
	}
	data, _, err := env.drive.DownloadFile(ctx, args[0], args[1], progress)
	if err != nil {
		return err
	}

	if out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return err
	}
	fmt.Printf("Saved %s (%s)\n", out, formatSize(int64(len(data))))
	return nil
}

func cmdRemove(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 2, commands["rm"].usage); err != nil {
		return err
	}
	res, err := env.drive.DeleteFile(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdDryRun(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) > 0 {
		var on bool
		switch strings.ToLower(args[0]) {
		case "on", "true":
			on = true
		case "off", "false":
		default:
			return fmt.Errorf("usage: tgdrive %s", commands["dry-run"].usage)
		}
		if err := env.drive.SetDryRun(ctx, on); err != nil {
			return err
		}
	}
	on, err := env.drive.DryRun(ctx)
	if err != nil {
		return err
	}
	if on {
		fmt.Println("dry run: on (deleted files keep their remote content)")
	} else {
		fmt.Println("dry run: off (deleted files are removed from the chat)")
	}
	return nil
}

func cmdCache(ctx context.Context, env *cliEnv, args []string) error {
	usage := commands["cache"].usage
	if err := needArgs(args, 1, usage); err != nil {
		return err
	}
	switch args[0] {
	case "status":
		used, max, count := env.cache.Stats()
		fmt.Printf("Cache: %s\n", env.cache.Dir())
		fmt.Printf("  Files: %d\n", count)
		fmt.Printf("  Used:  %s / %s\n", formatSize(used), formatSize(max))
		return nil
	case "clear":
		fmt.Printf("Removed %d cached files\n", env.cache.Clear())
		return nil
	case "pin", "unpin":
		if err := needArgs(args, 3, usage); err != nil {
			return err
		}
		entry, err := env.drive.Stat(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		key := cache.Key(entry.RemoteRef)
		if args[0] == "unpin" {
			return env.cache.Unpin(key)
		}
		if !env.cache.IsCached(key) {
			if _, _, err := env.drive.DownloadFile(ctx, args[1], args[2], nil); err != nil {
				return err
			}
		}
		if err := env.cache.Pin(key); err != nil {
			return err
		}
		fmt.Printf("Pinned %s/%s\n", strings.TrimSuffix(args[1], "/"), args[2])
		return nil
	}
	return fmt.Errorf("usage: tgdrive %s", usage)
}

func cmdMount(ctx context.Context, env *cliEnv, args []string) error {
	if err := needArgs(args, 1, commands["mount"].usage); err != nil {
		return err
	}
	if err := env.drive.Load(ctx); err != nil {
		return err
	}

	fsys := fusefs.New(env.drive, fusefs.Config{Name: "tgdrive"})
	server, err := fsys.Mount(args[0])
	if err != nil {
		return err
	}
	logging.Info("press Ctrl+C to unmount", zap.String("mount_point", args[0]))
	<-ctx.Done()

	logging.Info("unmounting...")
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	stats := fsys.GetStats()
	logging.Info("unmounted",
		zap.Int64("reads", stats.Reads.Load()),
		zap.Int64("uploads", stats.Uploads.Load()),
		zap.Int64("errors", stats.Errors.Load()))
	return nil
}

func cmdWebDAV(ctx context.Context, env *cliEnv, args []string) error {
	addr := ":8081"
	if len(args) > 0 {
		addr = args[0]
	}
	if err := env.drive.Load(ctx); err != nil {
		return err
	}

	var auth *gateway.Auth
	if env.cfg.JWTSecret != "" {
		auth = gateway.NewAuth(env.cfg.JWTSecret)
	} else {
		logging.Warn("JWT_SECRET is not set; WebDAV accepts unauthenticated requests")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           webdav.NewHandler(env.drive, auth, ""),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("webdav listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("webdav server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
