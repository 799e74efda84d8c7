package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"kadnet/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts an optional pprof HTTP server when KADNET_PPROF=1.
// The bind address must stay on loopback unless explicitly overridden,
// so a node never exposes profiling endpoints by accident.
func StartFromEnv() error {
	if strings.TrimSpace(os.Getenv("KADNET_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("KADNET_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		if os.Getenv("KADNET_PPROF_ALLOW_PUBLIC") != "1" && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("KADNET_PPROF_ADDR must be loopback unless KADNET_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		debuglog.Get("pprof").Infof("enabled: http://%s/debug/pprof/", ln.Addr())
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
