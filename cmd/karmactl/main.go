// Command karmactl inspects and drives a running worldsim over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/karma-world/internal/client"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "status", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "status":
		err = statusCmd(ctx, args)
	case "events":
		err = eventsCmd(ctx, args)
	case "regions":
		err = regionsCmd(ctx, args)
	case "trigger":
		err = triggerCmd(ctx, args)
	case "action":
		err = actionCmd(ctx, args)
	case "conflict":
		err = conflictCmd(ctx, args)
	case "watch":
		err = watchCmd(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (status, events, regions, trigger, action, conflict, watch)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// commonFlags registers -url and -key, defaulting from the environment.
func commonFlags(fs *flag.FlagSet) (baseURL, adminKey *string) {
	baseURL = fs.String("url", envOrDefault("WORLDSIM_API_URL", "http://localhost:8080"), "worldsim base url")
	adminKey = fs.String("key", os.Getenv("WORLDSIM_ADMIN_KEY"), "admin bearer token")
	return baseURL, adminKey
}

func newClient(baseURL, adminKey string) *client.Client {
	return client.New(strings.TrimRight(strings.TrimSpace(baseURL), "/"), adminKey)
}

func statusCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	_ = fs.Parse(args)

	snap, err := newClient(*baseURL, *adminKey).Observe(ctx)
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(snap *client.Snapshot) {
	ws := snap.World
	fmt.Printf("collective karma  %s (%s)\n", humanize.Commaf(ws.CollectiveKarma), ws.KarmaTrend)
	fmt.Printf("players           %s total, %s online\n", humanize.Comma(int64(ws.TotalPlayers)), humanize.Comma(int64(ws.OnlinePlayers)))
	fmt.Printf("actions 24h       +%d / -%d / =%d\n", ws.Actions24h.Positive, ws.Actions24h.Negative, ws.Actions24h.Neutral)
	fmt.Printf("conflicts         %d active, %d contested regions\n", ws.ActiveConflicts, len(snap.Contested))
	if ws.LastGlobalEventEndedAt != nil {
		fmt.Printf("last event ended  %s\n", humanize.Time(*ws.LastGlobalEventEndedAt))
	}
	if ev := snap.Active; ev != nil {
		ends := "open-ended"
		if ev.EndsAt != nil {
			ends = "ends " + humanize.Time(*ev.EndsAt)
		}
		fmt.Printf("active event      %s [%s, %s] %s\n", ev.Name, ev.Kind, ev.Severity, ends)
	} else {
		fmt.Println("active event      none")
	}
}

func eventsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	limit := fs.Int("limit", 10, "number of events")
	_ = fs.Parse(args)

	evs, err := newClient(*baseURL, *adminKey).RecentEvents(ctx, *limit)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		scope := "global"
		if !ev.IsGlobal {
			scope = fmt.Sprintf("regions %v", ev.AffectedRegions)
		}
		fmt.Printf("%s  %-8s %-22s %-8s %s  %s\n", ev.ID, ev.Status, ev.Kind, ev.Source, scope, humanize.Time(ev.CreatedAt))
	}
	return nil
}

func regionsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	_ = fs.Parse(args)

	list, err := newClient(*baseURL, *adminKey).Regions(ctx)
	if err != nil {
		return err
	}
	for _, r := range list {
		holder := r.ControllingGuild
		if holder == "" {
			holder = "-"
		}
		note := ""
		if r.Contested {
			note = " contested by " + r.ContestedBy
		}
		fmt.Printf("%3d %-14s pop %-6d karma %-10s guild %s%s\n",
			r.ID, r.Name, r.Population, humanize.Commaf(r.LocalKarma), holder, note)
	}
	return nil
}

func triggerCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	kind := fs.String("kind", "", "event kind (optional)")
	region := fs.Int("region", 0, "region id for a regional event (optional)")
	_ = fs.Parse(args)

	ev, err := newClient(*baseURL, *adminKey).Trigger(ctx, *kind, *region)
	if err != nil {
		return err
	}
	return printJSON(ev)
}

func actionCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("action", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	player := fs.String("player", "", "player id (required)")
	action := fs.String("action", "admin_adjust", "action name")
	delta := fs.Float64("delta", 0, "karma delta")
	_ = fs.Parse(args)

	if *player == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	res, err := newClient(*baseURL, *adminKey).RecordAction(ctx, *player, *action, *delta)
	if err != nil {
		return err
	}
	fmt.Printf("%s now at %s karma (%s)\n", res.PlayerID, humanize.Commaf(res.Karma), res.Polarity)
	return nil
}

// conflictCmd starts a conflict, or ends one when -end is set.
func conflictCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conflict", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	region := fs.Int("region", 0, "region id, when starting")
	attacker := fs.String("attacker", "", "attacking guild, when starting")
	end := fs.Int64("end", 0, "conflict id to end")
	winner := fs.String("winner", "", "winning guild, when ending")
	_ = fs.Parse(args)

	c := newClient(*baseURL, *adminKey)
	if *end > 0 {
		ended, err := c.EndConflict(ctx, *end, *winner)
		if err != nil {
			return err
		}
		if !ended {
			fmt.Printf("conflict %d was already over\n", *end)
			return nil
		}
		fmt.Printf("conflict %d ended\n", *end)
		return nil
	}
	if *region <= 0 {
		fmt.Fprintln(os.Stderr, "missing -region")
		os.Exit(2)
	}
	id, err := c.StartConflict(ctx, *region, *attacker)
	if err != nil {
		return err
	}
	fmt.Printf("conflict %d started: %s contests region %d\n", id, *attacker, *region)
	return nil
}

// watchCmd observes the world on an interval until interrupted.
func watchCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	baseURL, adminKey := commonFlags(fs)
	interval := fs.Duration("interval", time.Minute, "poll interval")
	_ = fs.Parse(args)

	c := newClient(*baseURL, *adminKey)
	slog.Info("waiting for worldsim API", "url", c.BaseURL)
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	var lastEvent string
	for {
		snap, err := c.Observe(ctx)
		if err != nil {
			slog.Error("observation failed", "error", err)
		} else {
			slog.Info("observation",
				"collective_karma", fmt.Sprintf("%.0f", snap.World.CollectiveKarma),
				"trend", snap.World.KarmaTrend,
				"online", snap.World.OnlinePlayers,
				"contested", len(snap.Contested),
			)
			current := ""
			if snap.Active != nil {
				current = snap.Active.ID
			}
			if current != lastEvent {
				if snap.Active != nil {
					slog.Info("event started", "event_id", snap.Active.ID, "kind", snap.Active.Kind, "name", snap.Active.Name)
				} else {
					slog.Info("event ended", "event_id", lastEvent)
				}
				lastEvent = current
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("watch stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
