// Package pprofutil optionally exposes the runtime profiler over HTTP.
// Off unless an address is configured; refuses non-loopback binds
// unless explicitly allowed to go public.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"github.com/decred/slog"
)

// DefaultAddr is the conventional local profiler endpoint.
const DefaultAddr = "127.0.0.1:6060"

// Config controls the profiler endpoint. An empty Addr disables it.
type Config struct {
	Addr        string
	AllowPublic bool
	Log         slog.Logger
}

// Serve binds the profiler endpoint and serves it in the background
// until process exit. It returns the bound address, which differs from
// cfg.Addr when the port was 0, or "" when disabled.
func Serve(cfg Config) (string, error) {
	if cfg.Addr == "" {
		return "", nil
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	if !cfg.AllowPublic && !isLoopbackBind(cfg.Addr) {
		return "", fmt.Errorf("pprof address %s is not loopback; refusing to expose the profiler publicly", cfg.Addr)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	log.Infof("pprof enabled at http://%s/debug/pprof/", actual)
	return actual, nil
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
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
