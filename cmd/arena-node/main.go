// Command arena-node is the reference CLI for the Node Orchestrator: a
// single binary that builds one Node around the demo counter Engine and
// drives it interactively through a bubbletea TUI.
//
// Because the only Transport Adapter this repository ships is the
// in-process localfabric reference implementation (no real pub/sub
// fabric is wired — see DESIGN.md), a single process hosts every peer in
// the demo: the interactive Node the TUI drives, plus an optional set of
// unattended "bot" Nodes that search/join/increment on their own in the
// background, all sharing one localfabric.Fabric. Flag/env/file
// resolution follows the teacher's construct-then-serve shape
// (cmd/server/main.go), generalized from flag to cobra+viper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/milyin/zenoh-arena/examples/counter"
	"github.com/milyin/zenoh-arena/internal/arena"
	"github.com/milyin/zenoh-arena/internal/transport/localfabric"
)

const envPrefix = "ARENA"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "arena-node",
		Short: "Interactive demo client for the counter game Node",
		Long: `arena-node builds one Node around the increment-counter demo Engine
and drives it with a terminal UI: Searching until a Host is found (or
--force-host claims the role outright), then Enter to increment the
shared counter and 'r' to reset it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(bindConfig(v))
		},
	}

	flags := cmd.Flags()
	flags.String("name", "", "pinned NodeId (default: auto-generated)")
	flags.String("prefix", "", "route prefix (default: zenoh/arena)")
	flags.Bool("force-host", false, "skip Searching and become Host immediately")
	flags.Int("max-clients", 0, "cap Host admission (0 = unlimited)")
	flags.Int("search-timeout-ms", int(arena.DefaultSearchTimeout/time.Millisecond), "base discovery window")
	flags.Int("search-jitter-ms", int(arena.DefaultSearchJitter/time.Millisecond), "uniform random add-on to the discovery window")
	flags.Int("step-timeout-break-ms", int(arena.DefaultStepTimeoutBreak/time.Millisecond), "maximum time a single Step call may block")
	flags.Int("bots", 0, "number of unattended background Nodes sharing this process's fabric")

	for _, name := range []string{"name", "prefix", "force-host", "max-clients", "search-timeout-ms", "search-jitter-ms", "step-timeout-break-ms", "bots"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return cmd
}

// cliConfig is the fully resolved set of flags/env values for one run.
type cliConfig struct {
	name               string
	prefix             string
	forceHost          bool
	maxClients         int
	searchTimeoutMs    int
	searchJitterMs     int
	stepTimeoutBreakMs int
	bots               int
}

func bindConfig(v *viper.Viper) cliConfig {
	return cliConfig{
		name:               v.GetString("name"),
		prefix:             v.GetString("prefix"),
		forceHost:          v.GetBool("force-host"),
		maxClients:         v.GetInt("max-clients"),
		searchTimeoutMs:    v.GetInt("search-timeout-ms"),
		searchJitterMs:     v.GetInt("search-jitter-ms"),
		stepTimeoutBreakMs: v.GetInt("step-timeout-break-ms"),
		bots:               v.GetInt("bots"),
	}
}

func runTUI(cfg cliConfig) error {
	log := zap.NewNop().Sugar()
	fabric := localfabric.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM mirrors the teacher's signal
	// handling in cmd/server/main.go.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	node, err := buildNode(ctx, fabric, cfg, log)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	for i := 0; i < cfg.bots; i++ {
		bot, err := buildNode(ctx, fabric, cliConfig{
			prefix:             cfg.prefix,
			searchTimeoutMs:    cfg.searchTimeoutMs,
			searchJitterMs:     cfg.searchJitterMs,
			stepTimeoutBreakMs: cfg.stepTimeoutBreakMs,
		}, log)
		if err != nil {
			return fmt.Errorf("build bot %d: %w", i, err)
		}
		go runBot(ctx, bot)
	}

	p := tea.NewProgram(newModel(node), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func buildNode(ctx context.Context, fabric *localfabric.Fabric, cfg cliConfig, log *zap.SugaredLogger) (*arena.Node[counter.Action, counter.State], error) {
	var maxClients *int
	if cfg.maxClients > 0 {
		maxClients = &cfg.maxClients
	}

	builder := arena.NewBuilder[counter.Action, counter.State](fabric.Adapter(), counter.Factory(maxClients), counter.Codec()).
		WithForceHost(cfg.forceHost).
		WithLogger(log)
	if cfg.name != "" {
		builder = builder.WithName(cfg.name)
	}
	if cfg.prefix != "" {
		builder = builder.WithPrefix(cfg.prefix)
	}
	if maxClients != nil {
		builder = builder.WithMaxClients(*maxClients)
	}
	if cfg.searchTimeoutMs > 0 {
		builder = builder.WithSearchTimeout(time.Duration(cfg.searchTimeoutMs) * time.Millisecond)
	}
	if cfg.searchJitterMs > 0 {
		builder = builder.WithSearchJitter(time.Duration(cfg.searchJitterMs) * time.Millisecond)
	}
	if cfg.stepTimeoutBreakMs > 0 {
		builder = builder.WithStepTimeoutBreak(time.Duration(cfg.stepTimeoutBreakMs) * time.Millisecond)
	}
	return builder.Build(ctx)
}

// runBot drives an unattended Node: Step forever and submit an Increment
// every 20 steps so the TUI has something to watch move. An Increment
// that arrives while the Node is Searching is discarded by the Node.
func runBot(ctx context.Context, node *arena.Node[counter.Action, counter.State]) {
	ticks := 0
	for ctx.Err() == nil {
		r := node.Step()
		if r.Kind == arena.StepStop {
			return
		}
		ticks++
		if ticks%20 == 0 {
			select {
			case node.Sender() <- arena.GameAction[counter.Action](counter.Action{Kind: counter.Increment}):
			default:
			}
		}
	}
}
