package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"trustgate.ai/internal/protocol"
)

// Files lists the rotated files for prefix under dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadLines calls fn for every JSON line in the zstd file at path.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadEvents replays every event logged under dataDir in write order.
func ReadEvents(dataDir string, fn func(path string, ev protocol.Event) error) error {
	files, err := Files(filepath.Join(dataDir, "events"), "events")
	if err != nil {
		return err
	}
	for _, p := range files {
		err := ReadLines(p, func(line []byte) error {
			var ev protocol.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			return fn(p, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
