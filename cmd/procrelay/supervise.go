package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/procrelay/internal/authority"
	"github.com/standardbeagle/procrelay/internal/config"
	"github.com/standardbeagle/procrelay/internal/gateway"
	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/metrics"
	"github.com/standardbeagle/procrelay/internal/process"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
	"github.com/standardbeagle/procrelay/internal/relay"
	"github.com/standardbeagle/procrelay/internal/supervisor"
)

// TypeHeartbeat is answered locally by both ends. The supervisor sends one
// on every entry to Working to confirm the peer is serving.
const TypeHeartbeat = "Heartbeat"

type heartbeat struct {
	From string `json:"from,omitempty"`
}

var superviseCmd = &cobra.Command{
	Use:   "supervise [name...]",
	Short: "Launch and supervise configured processes",
	Long: `Launch the named processes from the configuration (all of them when no
name is given), accept their connections and relay commands until interrupted.`,
	RunE: runSupervise,
}

func init() {
	superviseCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides settings)")
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		names = cfg.Names()
	}
	if len(names) == 0 {
		return fmt.Errorf("no processes configured (see '%s config init')", appName)
	}

	log := newLogger(cmd, cfg)
	log.Info("starting", "version", appVersion, "config", path, "processes", names)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Register(nil)

	router := authority.NewRouter(log)
	if err := registerAuthorityHandlers(router, log); err != nil {
		return err
	}

	mgr := process.NewManager(process.ManagerConfig{
		GracefulTimeout: cfg.Settings.GracefulTimeout,
		KillTimeout:     cfg.Settings.KillTimeout,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cfg.Settings.MetricsAddr
	}
	if metricsAddr != "" {
		serveMetrics(gctx, g, metricsAddr, log)
	}

	for _, name := range names {
		p, err := cfg.Process(name)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		sup, srv, err := newSupervisor(p, cfg.Settings, mgr, router, log)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("%s: %w", name, err)
		}
		g.Go(func() error {
			defer srv.Close()
			return sup.Run(gctx)
		})
		start := sup.Go
		if p.Attach {
			start = sup.Attach
		}
		if err := start(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	err = g.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Settings.GracefulTimeout+cfg.Settings.KillTimeout)
	defer stop()
	if serr := mgr.Shutdown(shutdownCtx); serr != nil {
		log.Error(serr, "process shutdown incomplete")
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("stopped", "started", mgr.TotalStarted(), "failed", mgr.TotalFailed())
	return err
}

func newSupervisor(p config.ProcessConfig, settings config.Settings, mgr *process.Manager, router *authority.Router, log logr.Logger) (*supervisor.Supervisor, *gateway.Server, error) {
	l, err := gateway.Listen(p.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", p.Listen, err)
	}
	srv := gateway.NewServer(l, gateway.ServerConfig{
		Name:         p.Name,
		PeerName:     p.PeerName,
		LoginTimeout: p.LoginTimeout,
		Logger:       log,
	})

	hooks := &processHooks{log: log.WithValues("process", p.Name), timeout: p.CommandTimeout}
	budget := p.RetryBudget
	if budget == 0 {
		budget = supervisor.NoRetries
	}
	sup, err := supervisor.New(supervisor.Config{
		Name: p.Name,
		Process: process.Config{
			Name:    p.Name,
			Command: p.Command,
			Args:    p.Args,
			Dir:     p.Dir,
			Env:     p.Environ(),
		},
		Attach:       p.Attach,
		RetryBudget:  budget,
		RetryBackoff: p.RetryBackoff,
		LoginTimeout: p.LoginTimeout,
		KillTimeout:  settings.GracefulTimeout + settings.KillTimeout,
		Forward:      p.Forward,
		Gateway:      srv,
		Runner:       supervisor.ManagerRunner{Manager: mgr},
		Authority:    router,
		Hooks:        hooks,
		Logger:       log,
	})
	if err != nil {
		srv.Close()
		return nil, nil, err
	}
	hooks.sup = sup
	return sup, srv, nil
}

// processHooks logs lifecycle changes and answers heartbeats locally.
type processHooks struct {
	supervisor.NopHooks
	log     logr.Logger
	sup     *supervisor.Supervisor
	timeout time.Duration
}

func (h *processHooks) RegisterHandlers(r *protocol.Registry) error {
	return r.Register(TypeHeartbeat, protocol.Bind(func(ref reference.Ref, hb heartbeat) {
		h.log.V(logging.DEBUG).Info("heartbeat", "from", hb.From, "ref", ref)
		h.sup.Acknowledge(ref, protocol.OK(h.sup.State().String()))
	}))
}

func (h *processHooks) OnReadyToWork(context.Context) {
	h.log.Info("ready to work")
	cmd, err := protocol.NewCommand(TypeHeartbeat, heartbeat{From: appName}, h.timeout)
	if err != nil {
		h.log.Error(err, "encode heartbeat")
		return
	}
	h.sup.SendCommand(cmd, func(o relay.Outcome) {
		if !o.OK() {
			h.log.Info("peer did not answer heartbeat", "outcome", o.Kind, "message", o.Ack.Message)
			return
		}
		h.log.V(logging.VERBOSE).Info("heartbeat acknowledged", "ref", o.Ref)
	})
}

func (h *processHooks) OnStop(_ context.Context, forever bool) {
	h.log.Info("relay stopped", "forever", forever)
}

func (h *processHooks) OnFatal(err error) {
	h.log.Error(err, "process supervision failed", "class", supervisor.Classify(err))
}

func registerAuthorityHandlers(router *authority.Router, log logr.Logger) error {
	err := router.Handle(supervisor.TypeProcessStateChanged, func(_ context.Context, _ reference.Ref, cmd protocol.Command) protocol.Acknowledge {
		var change supervisor.StateChange
		if err := json.Unmarshal(cmd.Payload, &change); err != nil {
			return protocol.Failed(protocol.AckError, err.Error())
		}
		log.V(logging.VERBOSE).Info("process state changed", "process", change.Process,
			"from", change.From, "to", change.To, "retriesUsed", change.RetriesUsed, "err", change.Error)
		return protocol.OK("")
	})
	if err != nil {
		return err
	}
	router.HandleDefault(func(_ context.Context, ref reference.Ref, cmd protocol.Command) protocol.Acknowledge {
		log.Info("command from process", "type", cmd.TypeName, "ref", ref, "bytes", len(cmd.Payload))
		return protocol.OK("")
	})
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
