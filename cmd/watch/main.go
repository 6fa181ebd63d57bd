package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"trustgate.ai/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://127.0.0.1:4021/ws", "observer ws url")
		id    = flag.Int64("id", 0, "only show this escrow (optional)")
		until = flag.Bool("until_resolved", false, "exit once the escrow given by -id is resolved")
		raw   = flag.Bool("json", false, "print raw event json")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	logger.Printf("connected to %s", *url)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	f := filter{ID: *id, UntilResolved: *until && *id > 0, Raw: *raw}
	if err := follow(conn, f, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Fatalf("%v", err)
	}
}

type filter struct {
	ID            int64
	UntilResolved bool
	Raw           bool
}

var errDone = errors.New("escrow resolved")

// follow prints events read from conn until the connection closes or the
// watched escrow resolves.
func follow(conn *websocket.Conn, f filter, out io.Writer) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				return fmt.Errorf("server dropped this observer: %w", err)
			}
			return err
		}
		ev, err := protocol.DecodeEvent(msg)
		if err != nil {
			fmt.Fprintf(out, "bad event: %v\n", err)
			continue
		}
		if err := handle(ev, msg, f, out); err != nil {
			if errors.Is(err, errDone) {
				return nil
			}
			return err
		}
	}
}

func handle(ev protocol.Event, msg []byte, f filter, out io.Writer) error {
	if f.ID > 0 && ev.Data.ID != f.ID {
		return nil
	}
	if f.Raw {
		if _, err := fmt.Fprintln(out, strings.TrimSpace(string(msg))); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintln(out, formatEvent(ev)); err != nil {
		return err
	}
	if f.UntilResolved && ev.Event == protocol.EventResolved {
		return errDone
	}
	return nil
}

func formatEvent(ev protocol.Event) string {
	e := ev.Data
	var b strings.Builder
	ts := time.UnixMilli(ev.Timestamp).UTC().Format("15:04:05.000")
	fmt.Fprintf(&b, "%s escrow=%d event=%s status=%s amount=%d", ts, e.ID, ev.Event, e.Status, e.Amount)
	if e.Verdict != nil {
		fmt.Fprintf(&b, " score=%d decision=%s", e.Verdict.Score, e.Verdict.Decision)
		if e.Verdict.SplitPercent != nil {
			fmt.Fprintf(&b, " split=%d%%", *e.Verdict.SplitPercent)
		}
	}
	if e.SettlementRef != "" {
		fmt.Fprintf(&b, " ref=%s settlement=%s", e.SettlementRef, e.SettlementState)
	}
	if e.LedgerTx != "" {
		fmt.Fprintf(&b, " ledger_tx=%s", e.LedgerTx)
	}
	if ev.Event == protocol.EventResolved && e.Verdict != nil && e.Verdict.Reason != "" {
		reason, _ := json.Marshal(e.Verdict.Reason)
		fmt.Fprintf(&b, " reason=%s", reason)
	}
	return b.String()
}
