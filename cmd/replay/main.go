package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"trustgate.ai/internal/escrow"
	"trustgate.ai/internal/persistence/indexdb"
	persistlog "trustgate.ai/internal/persistence/log"
	"trustgate.ai/internal/protocol"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory (reads <data>/events)")
		final   = flag.Bool("final", false, "print the final state of every escrow as json lines")
		rebuild = flag.String("rebuild_sqlite", "", "write a fresh sqlite index from the event log to this path (optional)")
	)
	flag.Parse()

	if err := run(*dataDir, *final, *rebuild, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func run(dataDir string, final bool, rebuildPath string, out io.Writer) error {
	files, err := persistlog.Files(filepath.Join(dataDir, "events"), "events")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no events files found in %s", filepath.Join(dataDir, "events"))
	}

	var idx *indexdb.SQLiteIndex
	if rebuildPath != "" {
		if _, err := os.Stat(rebuildPath); err == nil {
			return fmt.Errorf("%s already exists", rebuildPath)
		}
		idx, err = indexdb.OpenSQLite(rebuildPath)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
	}

	v := newVerifier()
	err = persistlog.ReadEvents(dataDir, func(path string, ev protocol.Event) error {
		if err := v.apply(ev); err != nil {
			return fmt.Errorf("%s: event %d: %w", filepath.Base(path), v.events, err)
		}
		if idx != nil {
			idx.RecordEvent(ev)
		}
		return nil
	})
	if idx != nil {
		if cerr := idx.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if n := idx.Dropped(); n > 0 && err == nil {
			err = fmt.Errorf("index rebuild dropped %d events; rerun on a quieter disk", n)
		}
	}
	if err != nil {
		return err
	}

	if final {
		enc := json.NewEncoder(out)
		for _, e := range v.final() {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	}

	counts := v.statusCounts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintf(out, "replay ok: files=%d events=%d escrows=%d runs=%d partial=%d\n",
		len(files), v.events, len(v.last), v.run+1, v.partial)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-16s %d\n", s, counts[escrow.Status(s)])
	}
	if rebuildPath != "" {
		fmt.Fprintf(out, "index rebuilt: %s\n", rebuildPath)
	}
	return nil
}
