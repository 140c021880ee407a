package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grid-clash/internal/api"
	"grid-clash/internal/config"
	"grid-clash/internal/eventlog"
	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/server"
	"grid-clash/internal/transport"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		// not fatal; plain environment variables still apply
		fmt.Fprintln(os.Stderr, "💡 No .env file found, using environment variables only")
	}
	logger.Init()

	appConfig := config.Load()

	addr := flag.String("addr", appConfig.Server.Addr, "UDP listen address")
	size := flag.Int("size", appConfig.Grid.Size, "grid size N (N×N cells)")
	apiAddr := flag.String("api", appConfig.Observability.APIAddr, "spectator HTTP address, empty to disable")
	keep := flag.Bool("keep", false, "keep the API up after the game closes until interrupted")
	replay := flag.String("replay", "", "rebuild the last game from an event log and exit")
	flag.Parse()

	if *replay != "" {
		if err := replayLog(*replay); err != nil {
			logger.Log.WithError(err).Fatal("❌ Replay failed")
		}
		return
	}

	appConfig.Server.Addr = *addr
	if *size < 1 || *size > config.MaxGridSize {
		logger.Log.Fatalf("❌ Grid size must be between 1 and %d", config.MaxGridSize)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ep, err := transport.ListenUDP(appConfig.Server.Addr, appConfig.Server.InboundQueue)
	if err != nil {
		logger.Log.WithError(err).Fatal("❌ Failed to bind UDP socket")
	}
	defer ep.Close()

	srv := server.New(appConfig.Server, *size, ep)

	if path := appConfig.Observability.EventLogPath; path != "" {
		el := eventlog.New()
		if err := el.Start(path); err != nil {
			logger.Log.WithError(err).Warn("⚠️ Event log disabled")
		} else {
			defer el.Stop()
			srv.WithEventLog(el)
			logger.Log.WithField("path", path).Info("📝 Event log enabled")
		}
	}

	api.StartDebugServer(appConfig.Observability)

	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	if *apiAddr != "" {
		httpSrv := api.NewServer(srv)
		httpSrv.Hub().Attach(srv)
		go func() {
			if err := httpSrv.Start(apiCtx, *apiAddr); err != nil {
				logger.Log.WithError(err).Error("❌ API server failed")
			}
		}()
	}

	logger.Log.WithFields(logrus.Fields{
		"addr":        ep.Addr(),
		"grid":        *size,
		"max_players": appConfig.Server.MaxPlayers,
		"tick":        appConfig.Server.TickInterval,
	}).Info("✅ Server ready! Press Ctrl+C to stop.")

	err = srv.Run(ctx)
	v := srv.View()
	logger.Log.WithFields(logrus.Fields{
		"phase":  v.Phase,
		"winner": v.Winner,
		"scores": v.Scores,
	}).Info("📋 Final scoreboard")

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.WithError(err).Fatal("❌ Server stopped")
	}
	if *keep && ctx.Err() == nil {
		logger.Log.Info("⏸️ Game closed, API still serving. Press Ctrl+C to exit.")
		<-ctx.Done()
	}
	logger.Log.Info("👋 Goodbye!")
}

// replayLog rebuilds the last game in an event log and prints the board.
func replayLog(path string) error {
	events, err := eventlog.ReadFile(path)
	if err != nil {
		return err
	}
	game, err := eventlog.Extract(events, "")
	if err != nil {
		return err
	}
	g, err := game.Rebuild()
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, row := range g.Owners() {
		for _, id := range row {
			if id == grid.Unowned {
				b.WriteString(" .")
			} else {
				fmt.Fprintf(&b, " %d", id)
			}
		}
		b.WriteByte('\n')
	}
	fmt.Printf("game %s (%d claims, finished=%v)\n%s", game.ID, len(game.Claims), game.Finished, b.String())
	sb := g.Scoreboard()
	for _, id := range sb.Players() {
		fmt.Printf("P%d: %d\n", id, sb[id])
	}
	if game.Finished {
		fmt.Printf("winner: %d\n", game.Winner)
	}
	return nil
}
