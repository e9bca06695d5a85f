// probe joins a relay session as a client and prints every event it
// receives, keeping a local board snapshot up to date.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/retro-relay/internal/client"
	"github.com/ashureev/retro-relay/internal/client/board"
	"github.com/ashureev/retro-relay/internal/event"
	"github.com/google/uuid"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/api/socket", "Relay WebSocket URL")
	sessionID := flag.String("session", "", "Session ID to join (required)")
	userID := flag.String("user", "", "User ID (default: random)")
	userName := flag.String("name", "probe", "Display name")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *sessionID == "" {
		slog.Error("-session is required")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = "probe-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := board.New(*sessionID)
	updates := make(chan event.Envelope, 64)

	sock := client.New(client.Options{
		URL:               *url,
		SessionID:         *sessionID,
		UserID:            *userID,
		UserName:          *userName,
		HeartbeatInterval: *heartbeat,
		OnStatus: func(st client.Status) {
			slog.Info("Connection status", "status", st)
		},
	})
	sock.Subscribe(client.AllEvents, func(env event.Envelope) {
		select {
		case updates <- env:
		default:
			slog.Warn("Dropping event, printer is behind", "event", env.Event)
		}
	})

	if err := sock.Open(ctx); err != nil {
		slog.Error("Failed to connect", "error", err)
		os.Exit(1)
	}

	for {
		select {
		case env := <-updates:
			snap = handle(snap, env)
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sock.Close(closeCtx); err != nil {
				slog.Warn("Close failed", "error", err)
			}
			cancel()
			slog.Info("Final board", "stage", snap.Stage, "ideas", len(snap.Ideas),
				"groups", len(snap.Groups), "votes", len(snap.Votes), "active", len(snap.ActiveUsers))
			return
		}
	}
}

func handle(snap board.Snapshot, env event.Envelope) board.Snapshot {
	if env.Event == event.Error {
		notice, err := event.DecodeError(env.Data)
		if err != nil {
			slog.Warn("Unreadable error event", "error", err)
			return snap
		}
		slog.Warn("Relay reported an error", "message", notice.Message)
		return snap
	}

	ev, err := env.Decode()
	if err != nil {
		slog.Warn("Skipping undecodable event", "event", env.Event, "error", err)
		return snap
	}
	snap = board.Apply(snap, ev)
	slog.Info("Event", "event", env.Event, "data", string(env.Data),
		"stage", snap.Stage, "ideas", len(snap.Ideas), "active", len(snap.ActiveUsers))
	return snap
}
