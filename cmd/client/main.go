package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"grid-clash/internal/client"
	"grid-clash/internal/config"
	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/render"
	"grid-clash/internal/transport"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "💡 No .env file found, using environment variables only")
	}
	logger.Init()

	cfg := config.ClientFromEnv()

	serverAddr := flag.String("server", cfg.ServerAddr, "server UDP address")
	listen := flag.String("listen", ":0", "local UDP address")
	auto := flag.Bool("auto", false, "claim random free cells instead of reading stdin")
	pngPath := flag.String("png", "", "write the final board as PNG")
	loss := flag.Float64("loss", 0, "drop this fraction of outgoing datagrams (testing)")
	flag.Parse()

	code, err := run(cfg, *serverAddr, *listen, *auto, *pngPath, *loss)
	if err != nil {
		logger.Log.WithError(err).Error("❌ Client stopped")
	}
	os.Exit(code)
}

func run(cfg config.ClientConfig, serverAddr, listen string, auto bool, pngPath string, loss float64) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := transport.ResolveUDP(serverAddr)
	if err != nil {
		return 2, fmt.Errorf("server address %q: %w", serverAddr, err)
	}
	udp, err := transport.ListenUDP(listen, 256)
	if err != nil {
		return 2, err
	}
	defer udp.Close()

	var ep transport.Endpoint = udp
	if loss > 0 {
		ep = transport.WrapChaos(udp, transport.ChaosConfig{Loss: loss})
	}

	c := client.New(cfg, ep, server)
	go printEvents(ctx, c)
	if auto {
		go autoPlay(ctx, c)
	} else {
		go readInput(ctx, c)
	}

	err = c.Run(ctx)
	v := c.View()
	fmt.Print(board(v))

	if pngPath != "" && v.GridSize > 0 {
		if werr := writePNG(pngPath, v); werr != nil {
			logger.Log.WithError(werr).Warn("⚠️ PNG not written")
		} else {
			logger.Log.WithField("path", pngPath).Info("🖼️ Final board written")
		}
	}

	st := c.Stats()
	logger.Log.WithFields(logrus.Fields{
		"snapshots": st.SnapshotsApplied,
		"events":    st.EventsApplied,
		"nacks":     st.Nacks,
		"claims":    st.ClaimsSent,
		"resends":   st.ClaimResends,
		"latency":   st.LatencyAvg,
	}).Info("📊 Session stats")

	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, context.Canceled):
		return 130, nil
	case errors.Is(err, client.ErrServerFull):
		return 3, err
	default:
		return 1, err
	}
}

func printEvents(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventAcquired:
				logger.Log.WithFields(logrus.Fields{"seq": ev.Seq, "cell": ev.Cell, "player": ev.Player}).Info("🟦 Cell claimed")
			case client.EventStateChanged:
				logger.Log.WithField("state", ev.State).Info("🔄 State changed")
			case client.EventGameOver:
				logger.Log.WithFields(logrus.Fields{"winner": ev.Winner, "scores": ev.Scores}).Info("🏁 Game over")
			}
		}
	}
}

// readInput takes "row col" lines from stdin.
func readInput(ctx context.Context, c *client.Client) {
	fmt.Println("Enter claims as: row col")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			fmt.Println("usage: row col")
			continue
		}
		row, err1 := strconv.Atoi(fields[0])
		col, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			fmt.Println("row and col must be numbers")
			continue
		}
		if err := c.Claim(row, col); err != nil {
			fmt.Println(err)
		}
	}
}

// autoPlay claims a random free cell every so often.
func autoPlay(ctx context.Context, c *client.Client) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(time.Duration(150+rng.Intn(150)) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v := c.View()
		if v.State != client.Playing {
			continue
		}
		var free []grid.Coord
		for r, row := range v.Owners {
			for col, id := range row {
				if id == grid.Unowned {
					free = append(free, grid.Coord{Row: r, Col: col})
				}
			}
		}
		if len(free) == 0 {
			continue
		}
		pick := free[rng.Intn(len(free))]
		c.Claim(pick.Row, pick.Col)
	}
}

// board prints the view as text: "#" mine, digits for others, "." free.
func board(v *client.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "player %d  state %s  snapshot %d\n", v.PlayerID, v.State, v.SnapshotID)
	for _, row := range v.Owners {
		for _, id := range row {
			switch {
			case id == grid.Unowned:
				b.WriteString(" .")
			case id == v.PlayerID:
				b.WriteString(" #")
			default:
				fmt.Fprintf(&b, " %d", id)
			}
		}
		b.WriteByte('\n')
	}
	for _, id := range v.Scores.Players() {
		fmt.Fprintf(&b, "P%d: %d\n", id, v.Scores[id])
	}
	if v.State == client.Finished {
		if v.Winner == grid.Unowned {
			b.WriteString("result: tie\n")
		} else {
			fmt.Fprintf(&b, "winner: P%d\n", v.Winner)
		}
	}
	return b.String()
}

func writePNG(path string, v *client.View) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	frame := render.Frame{
		Owners:  v.Owners,
		Self:    v.PlayerID,
		Scores:  v.Scores,
		Caption: fmt.Sprintf("player %d  %s", v.PlayerID, v.State),
	}
	if err := render.EncodePNG(f, frame, render.DefaultOptions()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
