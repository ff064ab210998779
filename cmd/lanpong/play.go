package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lanpong/internal/crypto"
	"lanpong/internal/discovery"
	"lanpong/internal/game"
	"lanpong/internal/metrics"
	"lanpong/internal/pprofutil"
	"lanpong/internal/proto"
	"lanpong/internal/session"
	"lanpong/internal/transport"
)

const tickRate = 60

type playOpts struct {
	name        string
	group       string
	interval    time.Duration
	port        int
	points      int
	debug       bool
	demo        bool
	metricsPath string
	pprofAddr   string
	pprofPublic bool
}

func newPlayCmd() *cobra.Command {
	var opts playOpts
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Search the LAN for an opponent and play",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "display name (default Dave_<random>)")
	f.StringVar(&opts.group, "group", discovery.DefaultGroup, "multicast discovery group")
	f.DurationVar(&opts.interval, "interval", discovery.DefaultInterval, "announce period")
	f.IntVar(&opts.port, "port", 0, "game UDP port (0 picks one)")
	f.IntVar(&opts.points, "points", game.DefaultPointsToWin, "points needed to win")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	f.BoolVar(&opts.demo, "demo", false, "drive the local paddle automatically")
	f.StringVar(&opts.metricsPath, "metrics", "", "write a metrics snapshot here on exit")
	f.StringVar(&opts.pprofAddr, "pprof", "", "serve the runtime profiler here, e.g. "+pprofutil.DefaultAddr)
	f.BoolVar(&opts.pprofPublic, "pprof-public", false, "allow a non-loopback profiler bind")
	return cmd
}

func runPlay(parent context.Context, opts playOpts) error {
	if opts.name == "" {
		opts.name = fmt.Sprintf("Dave_%d", rand.IntN(100000))
	}

	backend := slog.NewBackend(os.Stderr)
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := func(tag string) slog.Logger {
		l := backend.Logger(tag)
		l.SetLevel(level)
		return l
	}
	log := logger("MAIN")

	if _, err := pprofutil.Serve(pprofutil.Config{
		Addr:        opts.pprofAddr,
		AllowPublic: opts.pprofPublic,
		Log:         log,
	}); err != nil {
		return err
	}

	host, err := localIP()
	if err != nil {
		return fmt.Errorf("determine local address: %w", err)
	}

	id, err := crypto.NewIdentity()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	met := metrics.New()

	tr, err := transport.NewUDP(transport.UDPConfig{
		Identity: id,
		Port:     opts.port,
		Log:      logger("XPRT"),
		Metrics:  met,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	beacon, err := discovery.NewMulticast(discovery.MulticastConfig{
		Group:    opts.group,
		Interval: opts.interval,
		Log:      logger("DISC"),
		Metrics:  met,
	})
	if err != nil {
		return err
	}

	state := game.NewState(opts.points)
	coord, err := session.New(session.Config{
		Name:      opts.name,
		Host:      host,
		Port:      tr.LocalPort(),
		Identity:  id,
		Transport: tr,
		Beacon:    beacon,
		Game:      state,
		Notify:    renderEvent,
		Log:       logger("SESS"),
		Metrics:   met,
	})
	if err != nil {
		return err
	}

	pterm.DefaultHeader.Printfln("lanpong: %s at %s:%d", opts.name, host, tr.LocalPort())
	pterm.Info.Printfln("searching for an opponent on %s", opts.group)

	if err := coord.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / tickRate)
		defer ticker.Stop()
		var frame int
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				frame++
				if opts.demo && coord.State() == session.Running {
					drivePaddle(coord, state, frame)
				}
				coord.Tick()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	coord.Stop()
	log.Infof("shut down")
	if opts.metricsPath != "" {
		if werr := met.WriteSnapshot(opts.metricsPath); werr != nil {
			log.Warnf("write metrics snapshot: %v", werr)
		}
	}
	return err
}

// drivePaddle sweeps the local paddle up and down so two --demo nodes
// exercise the replication path without a UI.
func drivePaddle(coord *session.Coordinator, state *game.State, frame int) {
	own := game.Player1
	if coord.Role() == session.Guest {
		own = game.Player2
	}
	y := 240 + 200*math.Sin(float64(frame)/tickRate)
	state.SetPaddle(own, proto.Vec2{X: state.Paddle(own).X, Y: y})

	if coord.Role() == session.Owner && frame%tickRate == 0 {
		// Once a second, nudge the ball so the guest sees traffic.
		t := float64(frame) / tickRate
		coord.PublishBall(
			proto.Vec2{X: 320 + 100*math.Cos(t), Y: 240 + 100*math.Sin(t)},
			proto.Vec2{X: -4, Y: 2},
		)
	}
}

func renderEvent(e session.Event) {
	switch e.Kind {
	case session.EventOpponentFound:
		pterm.Info.Printfln("found opponent %q", e.Opponent)
	case session.EventGameInit:
		pterm.Info.Printfln("opponent %q joined us", e.Opponent)
	case session.EventRoleDecided:
		pterm.Info.Printfln("playing as %s against %q", e.Role, e.Opponent)
	case session.EventSynchronized:
		pterm.Success.Printfln("session synchronized, game on")
	case session.EventScoreUpdate:
		if e.Payload.ScoreP1 != nil {
			pterm.Info.Printfln("score: player1 now at %d", *e.Payload.ScoreP1)
		}
		if e.Payload.ScoreP2 != nil {
			pterm.Info.Printfln("score: player2 now at %d", *e.Payload.ScoreP2)
		}
	case session.EventGameStatus:
		renderStatus(e)
	}
}

func renderStatus(e session.Event) {
	switch {
	case e.Payload.GameClose:
		pterm.Warning.Printfln("%s, searching for a new opponent", e.Outcome)
	case e.Payload.Winner != "":
		pterm.Success.Printfln("game over: %s", e.Outcome)
	case e.Payload.Pause != nil && *e.Payload.Pause:
		pterm.Info.Printfln("game paused")
	case e.Payload.Pause != nil:
		pterm.Info.Printfln("game resumed")
	case e.Payload.ResetScores:
		pterm.Info.Printfln("scores reset")
	case e.Payload.WinSize != nil:
		pterm.Info.Printfln("playfield is %.0fx%.0f", e.Payload.WinSize.X, e.Payload.WinSize.Y)
	}
}

// localIP finds the outward-facing interface address by opening a
// throwaway UDP socket; nothing is actually sent.
func localIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
