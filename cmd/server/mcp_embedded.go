package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"trustgate.ai/internal/mcptools"
	"trustgate.ai/internal/transport/httpapi"
)

type embeddedMCPCfg struct {
	// Listen is the HTTP listen address for the embedded MCP server.
	// Set to empty to disable.
	Listen string

	// JWTSecret, when set, requires an admin bearer token on every request.
	JWTSecret string

	Backend mcptools.Backend
}

type embeddedMCP struct {
	httpSrv *http.Server
	ln      net.Listener

	closeOnce sync.Once
}

func (e *embeddedMCP) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.httpSrv != nil {
			_ = e.httpSrv.Shutdown(ctx)
		}
		if e.ln != nil {
			_ = e.ln.Close()
		}
	})
}

func (e *embeddedMCP) Addr() string {
	if e == nil || e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func startEmbeddedMCP(ctx context.Context, cfg embeddedMCPCfg, logger *log.Logger) (*embeddedMCP, error) {
	listen := strings.TrimSpace(cfg.Listen)
	if listen == "" {
		logger.Printf("embedded MCP disabled (mcp_listen empty)")
		return nil, nil
	}
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" && !isLoopbackListenAddress(listen) {
		return nil, fmt.Errorf("[mcp] refusing MCP listen on non-loopback address %q without admin jwt secret", listen)
	}
	authMode := "none(loopback-only)"
	if secret != "" {
		authMode = "jwt"
	}

	handler := http.Handler(server.NewStreamableHTTPServer(mcptools.NewServer(cfg.Backend)))
	if secret != "" {
		handler = requireAdminToken(secret, handler)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("mcp listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	em := &embeddedMCP{httpSrv: httpSrv, ln: ln}
	logger.Printf("embedded_mcp auth_mode=%s listening on http://%s/mcp", authMode, em.Addr())

	go func() {
		<-ctx.Done()
		em.Close()
	}()
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("embedded_mcp serve error: %v", err)
		}
	}()
	return em, nil
}

func requireAdminToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := httpapi.VerifyAdminToken(secret, raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	hostLower := strings.ToLower(host)
	if hostLower == "localhost" {
		return true
	}
	ip := net.ParseIP(hostLower)
	return ip != nil && ip.IsLoopback()
}
