package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"trustgate.ai/internal/transport/httpapi"
)

const defaultURL = "http://127.0.0.1:4021"

type apiFlags struct {
	url     *string
	secret  *string
	subject *string
}

func addAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		url:     fs.String("url", defaultURL, "server base url"),
		secret:  fs.String("secret", os.Getenv("TG_ADMIN_JWT_SECRET"), "admin jwt secret (or set TG_ADMIN_JWT_SECRET)"),
		subject: fs.String("sub", "cli", "actor recorded in the audit log"),
	}
}

func (f apiFlags) endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(*f.url), "/") + path
}

// do sends the request, minting an admin token when a secret is set, and
// copies the response body to out.
func (f apiFlags) do(method, path string, out io.Writer) error {
	req, err := http.NewRequest(method, f.endpoint(path), nil)
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(*f.secret); s != "" {
		tok, err := httpapi.MintAdminToken(s, *f.subject, 5*time.Minute)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	cl := &http.Client{Timeout: 30 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if err := writeIndented(out, b); err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

func writeIndented(out io.Writer, b []byte) error {
	var buf bytes.Buffer
	if json.Indent(&buf, bytes.TrimSpace(b), "", "  ") == nil {
		buf.WriteByte('\n')
		_, err := out.Write(buf.Bytes())
		return err
	}
	_, err := fmt.Fprintln(out, string(b))
	return err
}

func escrowsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("escrows", flag.ContinueOnError)
	api := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return api.do(http.MethodGet, "/escrows", out)
}

func getCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	api := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: get <escrow-id>", errUsage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: bad escrow id %q", errUsage, fs.Arg(0))
	}
	return api.do(http.MethodGet, "/escrows/"+strconv.FormatInt(id, 10), out)
}

func statsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	api := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return api.do(http.MethodGet, "/stats", out)
}

func pendingCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	api := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return api.do(http.MethodGet, "/admin/v1/pending", out)
}

func reconcileCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	api := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return api.do(http.MethodPost, "/admin/v1/reconcile", out)
}

func tokenCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("TG_ADMIN_JWT_SECRET"), "admin jwt secret (or set TG_ADMIN_JWT_SECRET)")
	subject := fs.String("sub", "cli", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if strings.TrimSpace(*secret) == "" {
		return fmt.Errorf("%w: missing -secret", errUsage)
	}
	tok, err := httpapi.MintAdminToken(*secret, *subject, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
