package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"trustgate.ai/internal/mcptools"
)

func main() {
	var (
		apiURL = flag.String("url", "http://127.0.0.1:4021", "TrustGate API base url")
		listen = flag.String("listen", "", "serve streamable http on this loopback address instead of stdio")
	)
	flag.Parse()

	// stdout carries the protocol in stdio mode.
	logger := log.New(os.Stderr, "[mcp] ", log.LstdFlags|log.Lmicroseconds)
	s := mcptools.NewServer(mcptools.NewRemote(*apiURL))

	if strings.TrimSpace(*listen) == "" {
		logger.Printf("%s v%s on stdio (api=%s)", mcptools.ServerName, mcptools.ServerVersion, *apiURL)
		if err := server.ServeStdio(s); err != nil {
			logger.Fatalf("serve stdio: %v", err)
		}
		return
	}

	if !isLoopback(*listen) {
		logger.Fatalf("refusing MCP bind on non-loopback address %q", *listen)
	}
	srv := &http.Server{
		Addr:              *listen,
		Handler:           server.NewStreamableHTTPServer(s),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	logger.Printf("%s v%s listening on http://%s (api=%s)", mcptools.ServerName, mcptools.ServerVersion, *listen, *apiURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("serve: %v", err)
	}
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
