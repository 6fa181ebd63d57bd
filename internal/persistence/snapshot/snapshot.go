// Package snapshot persists the escrow registry as a single compressed file
// so a server without an index keeps its ids and history across restarts.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"trustgate.ai/internal/escrow"
)

const Version = 1

// FileName is the snapshot written under <data>/snapshots.
const FileName = "registry.snap.zst"

type Header struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Count   int       `json:"count"`
	MaxID   int64     `json:"max_id"`
}

type Snapshot struct {
	Header  Header
	Escrows []escrow.Escrow
}

func Path(dataDir string) string {
	return filepath.Join(dataDir, "snapshots", FileName)
}

func Take(recs []escrow.Escrow, now time.Time) Snapshot {
	h := Header{Version: Version, TakenAt: now.UTC(), Count: len(recs)}
	for _, e := range recs {
		if e.ID > h.MaxID {
			h.MaxID = e.ID
		}
	}
	return Snapshot{Header: h, Escrows: recs}
}

// Write replaces path atomically. The first line is the JSON header so tools
// can inspect a snapshot without decoding the body.
func Write(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snap-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(f *os.File, snap Snapshot) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Read returns os.ErrNotExist (wrapped) when no snapshot has been written.
func Read(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("snapshot header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("snapshot header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if len(snap.Escrows) != h.Count {
		return snap, errors.New("snapshot body does not match header count")
	}
	return snap, nil
}
