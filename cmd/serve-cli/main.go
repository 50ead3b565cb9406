// serve-cli is the companion client: it lists, inspects, downloads,
// uploads, and deletes entries on a running served instance, addressing
// everything by catalog ID.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"serve/internal/cliconfig"
	"serve/internal/transfer"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "list", "ls":
		err = cmdList(ctx, os.Args[2:])
	case "info":
		err = cmdInfo(ctx, os.Args[2:])
	case "download", "get":
		err = cmdDownload(ctx, os.Args[2:])
	case "upload", "put":
		err = cmdUpload(ctx, os.Args[2:])
	case "delete", "rm":
		err = cmdDelete(ctx, os.Args[2:])
	case "config":
		err = cmdConfig(os.Args[2:])
	case "version", "-V", "--version":
		fmt.Println("serve-cli", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted; partial downloads were kept for resuming")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `serve-cli — client for the serve file sharing daemon

Usage:
  serve-cli list [id]           list a directory (default: root)
  serve-cli info <id>           show entry metadata
  serve-cli download <id>...    download files or directories
  serve-cli upload <path>       upload a file or directory
  serve-cli delete <id>...      delete entries on the server
  serve-cli config              show the effective client configuration
  serve-cli version             print the version

Run any command with -h for its flags.
`)
}

// commonFlags wires the host/token/config trio every command accepts.
func commonFlags(fs *flag.FlagSet) (host, token, cfgPath *string) {
	host = fs.StringP("host", "H", "", "server address (host:port or URL)")
	token = fs.StringP("token", "t", "", "server token")
	cfgPath = fs.StringP("config", "c", "", "path to client config.toml")
	return
}

// resolveClient merges config file, environment, and flags.
func resolveClient(host, token, cfgPath string) (*transfer.Client, *cliconfig.Config, error) {
	cfg, err := cliconfig.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if host != "" {
		cfg.Host = host
	}
	if token != "" {
		cfg.Token = token
	}
	c := transfer.NewClient(cfg.Host, cfg.Token)
	c.Logf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	return c, cfg, nil
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	long := fs.BoolP("long", "l", false, "include IDs and mtimes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := "root"
	if fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	c, _, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}
	listing, err := c.List(ctx, id)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	defer tw.Flush()
	if *long {
		fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tID")
		for _, e := range listing.Entries {
			name := e.Name
			if e.IsDir {
				name += "/"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, e.Size, e.Modified, e.ID)
		}
		return nil
	}
	fmt.Fprintln(tw, "NAME\tSIZE\tID")
	for _, e := range listing.Entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, e.Size, e.ID)
	}
	return nil
}

func cmdInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: serve-cli info <id>")
	}
	c, _, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}
	info, err := c.Info(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "id:\t%s\n", info.ID)
	fmt.Fprintf(tw, "name:\t%s\n", info.Name)
	fmt.Fprintf(tw, "path:\t/%s\n", info.Path)
	kind := "file"
	if info.IsDir {
		kind = "directory"
	}
	fmt.Fprintf(tw, "type:\t%s\n", kind)
	fmt.Fprintf(tw, "size:\t%s (%d bytes)\n", info.Size, info.SizeBytes)
	fmt.Fprintf(tw, "modified:\t%s\n", info.Modified)
	if info.MimeType != "" {
		fmt.Fprintf(tw, "mime:\t%s\n", info.MimeType)
	}
	if info.IsDir {
		fmt.Fprintf(tw, "list:\t%s\n", info.ListURL)
	} else {
		fmt.Fprintf(tw, "download:\t%s\n", info.DownloadURL)
	}
	return nil
}

func cmdDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	conns := fs.IntP("connections", "C", 0, "ranged connections per file (1-16)")
	fs.Lookup("connections").NoOptDefVal = "16"
	parallel := fs.IntP("parallel", "P", 0, "files in flight for directories (1-8)")
	retries := fs.IntP("retries", "R", 0, "attempts per operation")
	skip := fs.Bool("skip", false, "skip files that already exist locally")
	dup := fs.Bool("dup", false, "keep both, saving under a -N suffixed name")
	out := fs.StringP("out", "O", "", "output path (single file only)")
	destDir := fs.StringP("dir", "d", ".", "destination directory")
	recursive := fs.BoolP("recursive", "r", false, "download directories")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: serve-cli download [flags] <id> [id...]")
	}
	if *skip && *dup {
		return errors.New("--skip and --dup are mutually exclusive")
	}
	if *out != "" && fs.NArg() > 1 {
		// Caught here, before any client is built or request sent.
		return errors.New("--out is only valid with a single target")
	}

	c, cfg, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}
	opts := transfer.Options{
		Connections: pick(*conns, cfg.Connections),
		Parallel:    pick(*parallel, cfg.Parallel),
		Retries:     pick(*retries, cfg.Retries),
		OutPath:     *out,
		DestDir:     *destDir,
		Recursive:   *recursive,
	}
	if opts.Connections > transfer.MaxConnections || opts.Connections < 1 {
		return fmt.Errorf("connections must be between 1 and %d", transfer.MaxConnections)
	}
	if opts.Parallel > transfer.MaxParallel || opts.Parallel < 1 {
		return fmt.Errorf("parallel must be between 1 and %d", transfer.MaxParallel)
	}
	switch {
	case *skip:
		opts.Collision = transfer.CollisionSkip
	case *dup:
		opts.Collision = transfer.CollisionDup
	}

	eng := transfer.NewEngine(c, opts)
	return downloadAll(ctx, eng, fs.Args(), os.Stdout)
}

// downloadAll fetches every target in turn, reporting failures without
// aborting the remaining ones. Cancellation still stops the whole batch.
func downloadAll(ctx context.Context, eng *transfer.Engine, targets []string, w io.Writer) error {
	var failed int
	for _, target := range targets {
		results, err := eng.Download(ctx, target)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", target, err)
			failed++
			continue
		}
		for _, r := range results {
			if r.Skipped {
				fmt.Fprintf(w, "skipped %s\n", r.Path)
				continue
			}
			fmt.Fprintf(w, "saved %s (%d bytes)\n", r.Path, r.Size)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(targets))
	}
	return nil
}

func cmdUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	dir := fs.StringP("dir", "d", "", "destination directory on the share")
	stream := fs.Bool("stream", false, "use the raw streaming endpoint")
	allowNoExt := fs.Bool("allow-no-ext", false, "permit files without an extension")
	bypass := fs.Bool("bypass", false, "bypass the extension allow-list")
	recursive := fs.BoolP("recursive", "r", false, "upload directories")
	parallel := fs.IntP("parallel", "P", 0, "files in flight (1-8)")
	retries := fs.IntP("retries", "R", 0, "attempts per file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: serve-cli upload [flags] <path>")
	}

	c, cfg, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}
	eng := transfer.NewEngine(c, transfer.Options{
		Parallel:  pick(*parallel, cfg.Parallel),
		Retries:   pick(*retries, cfg.Retries),
		Recursive: *recursive,
	})
	results, err := eng.Upload(ctx, fs.Arg(0), transfer.UploadOptions{
		Dir:         *dir,
		Stream:      *stream,
		AllowNoExt:  *allowNoExt,
		AllowAllExt: *bypass,
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("uploaded /%s (%d bytes) %s\n", r.Path, r.Size, r.Download)
	}
	return nil
}

func cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: serve-cli delete <id> [id...]")
	}
	c, _, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}
	return deleteAll(ctx, c, fs.Args(), os.Stdout)
}

// deleteAll removes every ID, keeping going when one fails so a bad ID
// cannot abort its siblings.
func deleteAll(ctx context.Context, c *transfer.Client, ids []string, w io.Writer) error {
	var failed int
	for _, id := range ids {
		resp, err := c.Delete(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: delete %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "deleted /%s\n", resp.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletes failed", failed, len(ids))
	}
	return nil
}

func cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	host, token, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, cfg, err := resolveClient(*host, *token, *cfgPath)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "host:\t%s\n", cfg.Host)
	fmt.Fprintf(tw, "token:\t%s\n", maskToken(cfg.Token))
	fmt.Fprintf(tw, "connections:\t%d\n", cfg.Connections)
	fmt.Fprintf(tw, "parallel:\t%d\n", cfg.Parallel)
	fmt.Fprintf(tw, "retries:\t%d\n", cfg.Retries)
	source := cfg.ConfigPath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(tw, "config file:\t%s\n", source)
	return nil
}

// pick prefers the flag value when the user set one.
func pick(flagVal, cfgVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	return cfgVal
}

func maskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 4 {
		return "****"
	}
	return t[:2] + "****" + t[len(t)-2:]
}
