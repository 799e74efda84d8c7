package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"kadnet/internal/core"
	"kadnet/internal/dht"
	"kadnet/internal/node"
	"kadnet/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: kadnet-node <run|id> [args]")
	fmt.Fprintln(w, "  run  [--addr4 ip:port] [--addr6 ip:port] [--bootstrap id@host:port,...] [--debug]")
	fmt.Fprintln(w, "  id")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".kadnet")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "data directory")
	addr4 := fs.String("addr4", "0.0.0.0:39001", "IPv4 listen addr (empty to disable)")
	addr6 := fs.String("addr6", "", "IPv6 listen addr (empty to disable)")
	bootstrap := fs.String("bootstrap", "", "comma separated id@host:port seeds")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("KADNET_DEBUG", "1")
	}

	// .env provides defaults without clobbering explicit environment.
	_ = godotenv.Load(filepath.Join(*home, ".env"))
	if v := os.Getenv("KADNET_BOOTSTRAP"); v != "" && *bootstrap == "" {
		*bootstrap = v
	}
	if err := pprofutil.StartFromEnv(); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
	}

	cfg := node.Config{DataDir: *home}
	var err error
	if *addr4 != "" {
		cfg.Addr4, err = netip.ParseAddrPort(*addr4)
		if err != nil {
			fmt.Fprintf(stderr, "bad --addr4: %v\n", err)
			return 1
		}
	}
	if *addr6 != "" {
		cfg.Addr6, err = netip.ParseAddrPort(*addr6)
		if err != nil {
			fmt.Fprintf(stderr, "bad --addr6: %v\n", err)
			return 1
		}
	}
	cfg.Bootstraps, err = parseBootstraps(*bootstrap)
	if err != nil {
		fmt.Fprintf(stderr, "bad --bootstrap: %v\n", err)
		return 1
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	n.AddConnectionStatusListener(func(family dht.Family, old, new dht.ConnectionStatus) {
		fmt.Fprintf(stdout, "%s: %s -> %s\n", family, old, new)
	})
	if err := n.Start(); err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}
	printBanner(stdout, n)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	stats := time.NewTicker(time.Minute)
	defer stats.Stop()
	for {
		select {
		case <-sig:
			fmt.Fprintln(stdout, "shutting down")
			n.Stop()
			return 0
		case <-stats.C:
			if os.Getenv("KADNET_DEBUG") == "1" {
				fmt.Fprintln(stdout, n.Statistics())
			}
		}
	}
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	n, err := node.New(node.Config{
		DataDir: *home,
		Addr4:   netip.MustParseAddrPort("127.0.0.1:0"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, n.ID())
	return 0
}

func printBanner(w io.Writer, n *node.Node) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	title.Fprintf(w, "kadnet %s\n", core.FormatVersion(core.BuildVersion(core.NodeShortName, core.NodeVersion)))
	fmt.Fprintf(w, "id   %s\n", n.ID())
	if n.Addr4().IsValid() {
		dim.Fprintf(w, "udp4 %s\n", n.Addr4())
	}
	if n.Addr6().IsValid() {
		dim.Fprintf(w, "udp6 %s\n", n.Addr6())
	}
}

func parseBootstraps(s string) ([]core.NodeInfo, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []core.NodeInfo
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, addrStr, ok := strings.Cut(part, "@")
		if !ok {
			return nil, fmt.Errorf("expected id@host:port, got %q", part)
		}
		id, err := core.IdFromHex(idStr)
		if err != nil {
			return nil, fmt.Errorf("bad id in %q: %w", part, err)
		}
		addr, err := netip.ParseAddrPort(addrStr)
		if err != nil {
			return nil, fmt.Errorf("bad address in %q: %w", part, err)
		}
		out = append(out, core.NodeInfo{ID: id, Addr: addr})
	}
	return out, nil
}
