package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/pkg/config"
	"github.com/marmos91/nfsclient/pkg/nfsclient"
)

const usage = `nfsclient - NFSv2 client

Usage:
  nfsclient [flags] <command> [arguments]

Commands:
  init                 Write a default configuration file
  exports <server>     List the exports of a MOUNT service (host:port)
  ls <path>            List a directory
  cat <path>           Copy a file to stdout
  stat <path>          Show file attributes
  put <local> <path>   Copy a local file ("-" for stdin) to path
  mkdir <path>         Create a directory
  rm <path>            Remove a file or empty directory
  df <path>            Show file system usage of the mount holding path
  stats                Show transaction engine counters

Paths are absolute and resolved against the configured mount points.

Flags:
`

var longListing = flag.Bool("l", false, "Long listing (ls only)")

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/nfsclient/config.yaml)")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	force := flag.Bool("force", false, "Overwrite an existing config file (init only)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "init" {
		runInit(*configPath, *force)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := config.InitializeMetrics(cfg)
	metricsDone := make(chan error, 1)
	if m.Server != nil {
		go func() {
			metricsDone <- m.Server.Start(ctx)
		}()
	} else {
		close(metricsDone)
	}

	driver, err := nfsclient.NewDriver(cfg.DriverConfig(m))
	if err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	err = run(ctx, cfg, driver, args)

	if cerr := driver.Close(); cerr != nil {
		logger.Warn("Client shutdown error: %v", cerr)
	}
	cancel()
	if merr := <-metricsDone; merr != nil && !errors.Is(merr, http.ErrServerClosed) {
		logger.Warn("Metrics server error: %v", merr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "nfsclient: %v\n", err)
		os.Exit(1)
	}
}

func runInit(path string, force bool) {
	if path == "" {
		written, err := config.InitConfig(force)
		if err != nil {
			log.Fatalf("Failed to initialize config: %v", err)
		}
		path = written
	} else if err := config.InitConfigToPath(path, force); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	fmt.Printf("Configuration written to %s\n", path)
}

// run executes one command. Mounts are only established for commands that
// address paths.
func run(ctx context.Context, cfg *config.Config, driver *nfsclient.Driver, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "exports":
		if len(rest) != 1 {
			return fmt.Errorf("usage: exports <server>")
		}
		return cmdExports(ctx, driver, rest[0])
	case "stats":
		return cmdStats(driver)
	}

	want := map[string]int{"ls": 1, "cat": 1, "stat": 1, "put": 2, "mkdir": 1, "rm": 1, "df": 1}
	n, ok := want[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(rest) != n {
		return fmt.Errorf("%s expects %d argument(s)", cmd, n)
	}

	ns, err := mountAll(ctx, cfg, driver)
	if err != nil {
		return err
	}
	defer unmountAll(driver, ns)

	switch cmd {
	case "ls":
		return cmdLs(ctx, ns, rest[0])
	case "cat":
		return cmdCat(ctx, ns, rest[0])
	case "stat":
		return cmdStat(ctx, ns, rest[0])
	case "put":
		return cmdPut(ctx, ns, rest[0], rest[1])
	case "mkdir":
		return ns.Mkdir(ctx, rest[0], 0o755)
	case "rm":
		return ns.Remove(ctx, rest[0])
	default:
		return cmdDf(ctx, ns, rest[0])
	}
}

func mountAll(ctx context.Context, cfg *config.Config, driver *nfsclient.Driver) (*nfsclient.Namespace, error) {
	if len(cfg.Mounts) == 0 {
		return nil, fmt.Errorf("no mounts configured")
	}

	ns := nfsclient.NewNamespace()
	for i := range cfg.Mounts {
		mc := &cfg.Mounts[i]
		opts, err := mc.MountOptions()
		if err != nil {
			unmountAll(driver, ns)
			return nil, fmt.Errorf("mount %s: %w", mc.Point, err)
		}

		mnt, err := driver.Mount(ctx, opts)
		if err != nil {
			unmountAll(driver, ns)
			return nil, fmt.Errorf("mount %s:%s on %s: %w", opts.Server, opts.Export, mc.Point, err)
		}
		if err := ns.Attach(mc.Point, mnt); err != nil {
			_ = driver.Unmount(ctx, mnt)
			unmountAll(driver, ns)
			return nil, err
		}
		logger.Debug("Mounted %s:%s on %s", opts.Server, opts.Export, mc.Point)
	}
	return ns, nil
}

// unmountAll detaches every mount. It uses its own context so that an
// interrupted command still releases its export.
func unmountAll(driver *nfsclient.Driver, ns *nfsclient.Namespace) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for point := range ns.Points() {
		mnt, err := ns.Detach(point)
		if err != nil {
			continue
		}
		if err := driver.Unmount(ctx, mnt); err != nil {
			logger.Warn("Unmount %s failed: %v", point, err)
		}
	}
}

func cmdExports(ctx context.Context, driver *nfsclient.Driver, server string) error {
	exports, err := driver.Exports(ctx, server)
	if err != nil {
		return err
	}
	for _, e := range exports {
		if len(e.Groups) == 0 {
			fmt.Printf("%s\t(everyone)\n", e.Dir)
			continue
		}
		fmt.Printf("%s\t%v\n", e.Dir, e.Groups)
	}
	return nil
}

func cmdStats(driver *nfsclient.Driver) error {
	st := driver.Stats()
	fmt.Printf("mounts:          %d\n", st.Mounts)
	fmt.Printf("live nodes:      %d\n", st.LiveNodes)
	fmt.Printf("transactions:    %d\n", st.RPC.Transactions)
	fmt.Printf("submitted:       %d\n", st.RPC.Submitted)
	fmt.Printf("sent:            %d\n", st.RPC.Sent)
	fmt.Printf("retransmits:     %d\n", st.RPC.Retransmits)
	fmt.Printf("replies:         %d\n", st.RPC.Replies)
	fmt.Printf("late duplicates: %d\n", st.RPC.LateDuplicates)
	fmt.Printf("dropped:         %d\n", st.RPC.Dropped)
	fmt.Printf("timeouts:        %d\n", st.RPC.Timeouts)
	return nil
}

func cmdLs(ctx context.Context, ns *nfsclient.Namespace, p string) error {
	it, err := ns.OpenDir(ctx, p)
	if err != nil {
		return err
	}
	defer it.Close()

	entries, err := it.ReadAll(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		name := entries[i].NameString()
		if !*longListing {
			fmt.Println(name)
			continue
		}
		st, err := ns.Stat(ctx, path.Join(p, name))
		if err != nil {
			fmt.Printf("?????????? %10s %s\n", "?", name)
			continue
		}
		fmt.Printf("%s %3d %5d %5d %10d %s %s\n",
			modeString(st.Mode), st.Nlink, st.UID, st.GID, st.Size,
			st.Mtime.Format("Jan _2 15:04"), name)
	}
	return nil
}

func cmdCat(ctx context.Context, ns *nfsclient.Namespace, p string) error {
	f, err := ns.OpenFile(ctx, p, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

func cmdStat(ctx context.Context, ns *nfsclient.Namespace, p string) error {
	st, err := ns.Stat(ctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("  File: %s\n", p)
	fmt.Printf("  Size: %-12d Blocks: %-8d IO Block: %d\n", st.Size, st.Blocks, st.BlockSize)
	fmt.Printf("Device: %#x   Inode: %-12d Links: %d\n", st.Dev, st.Ino, st.Nlink)
	fmt.Printf("Access: (%04o/%s)  Uid: %d  Gid: %d\n", st.Mode&nfs.ModePerm, modeString(st.Mode), st.UID, st.GID)
	if st.Rdev != 0 {
		fmt.Printf("  Rdev: %#x\n", st.Rdev)
	}
	fmt.Printf("Access: %s\n", st.Atime.Format(time.RFC3339Nano))
	fmt.Printf("Modify: %s\n", st.Mtime.Format(time.RFC3339Nano))
	fmt.Printf("Change: %s\n", st.Ctime.Format(time.RFC3339Nano))
	return nil
}

func cmdPut(ctx context.Context, ns *nfsclient.Namespace, local, p string) error {
	var src io.Reader = os.Stdin
	if local != "-" {
		in, err := os.Open(local)
		if err != nil {
			return err
		}
		defer in.Close()
		src = in
	}

	f, err := ns.OpenFile(ctx, p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Info("Wrote %d bytes to %s", n, p)
	return nil
}

func cmdDf(ctx context.Context, ns *nfsclient.Namespace, p string) error {
	n, err := ns.Resolve(ctx, p, true)
	if err != nil {
		return err
	}
	mnt := n.Mount()
	n.Release()

	st, err := mnt.StatFS(ctx)
	if err != nil {
		return err
	}
	bs := uint64(st.BlockSize)
	fmt.Printf("%-30s %12s %12s %12s\n", "Filesystem", "Size", "Used", "Avail")
	fmt.Printf("%-30s %12d %12d %12d\n",
		mnt.Server()+":"+mnt.Export(),
		uint64(st.Blocks)*bs,
		uint64(st.Blocks-st.BlocksFree)*bs,
		uint64(st.BlocksAvail)*bs)
	return nil
}

// modeString renders mode bits the way ls -l does.
func modeString(mode uint32) string {
	buf := []byte("?rwxrwxrwx")
	switch mode & nfs.ModeFmt {
	case nfs.ModeReg:
		buf[0] = '-'
	case nfs.ModeDir:
		buf[0] = 'd'
	case nfs.ModeLnk:
		buf[0] = 'l'
	case nfs.ModeChr:
		buf[0] = 'c'
	case nfs.ModeBlk:
		buf[0] = 'b'
	case nfs.ModeFifo:
		buf[0] = 'p'
	case nfs.ModeSock:
		buf[0] = 's'
	}
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) == 0 {
			buf[1+i] = '-'
		}
	}
	return string(buf)
}
