package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "trustgate.ai/internal/persistence/log"
	"trustgate.ai/internal/protocol"
)

var errUsage = errors.New("usage")

func main() {
	cmd := "escrows"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "escrows":
		err = escrowsCmd(args, os.Stdout)
	case "get":
		err = getCmd(args, os.Stdout)
	case "stats":
		err = statsCmd(args, os.Stdout)
	case "pending":
		err = pendingCmd(args, os.Stdout)
	case "reconcile":
		err = reconcileCmd(args, os.Stdout)
	case "token":
		err = tokenCmd(args, os.Stdout)
	case "db":
		err = dbCmd(args, os.Stdout)
	case "events":
		err = eventsCmd(args, os.Stdout)
	case "audit":
		err = auditCmd(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (escrows|get|stats|pending|reconcile|token|db|events|audit)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// eventsCmd dumps logged lifecycle events, optionally for one escrow.
func eventsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	id := fs.Int64("id", 0, "escrow id filter (optional)")
	kind := fs.String("event", "", "event name filter (optional)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	enc := json.NewEncoder(out)
	return persistlog.ReadEvents(*dataDir, func(_ string, ev protocol.Event) error {
		if *id > 0 && ev.Data.ID != *id {
			return nil
		}
		if *kind != "" && !strings.EqualFold(string(ev.Event), *kind) {
			return nil
		}
		return enc.Encode(ev)
	})
}

// auditCmd dumps operator audit entries.
func auditCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	actor := fs.String("actor", "", "actor filter (optional)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	files, err := persistlog.Files(filepath.Join(*dataDir, "audit"), "audit")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, p := range files {
		err := persistlog.ReadLines(p, func(line []byte) error {
			var e persistlog.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			if *actor != "" && e.Actor != *actor {
				return nil
			}
			return enc.Encode(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
