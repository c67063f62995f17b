package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/procrelay/internal/authority"
	"github.com/standardbeagle/procrelay/internal/config"
	"github.com/standardbeagle/procrelay/internal/gateway"
	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Connect to a supervisor as a worker process",
	Long: `Connect to a supervisor's listen address, log in under a peer name and
serve commands until interrupted. With --send, issue one command, print its
acknowledge and exit.

  $ procrelay worker --connect unix:///tmp/procrelay/export.sock --peer Export
  $ procrelay worker --connect tcp://127.0.0.1:7070 --peer Gui --send ExportProgress --payload '{"percent":40}'`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.String("connect", "", "Supervisor address (unix://, tcp:// or ws://)")
	f.String("peer", "", "Peer name presented at login")
	f.StringSlice("handle", nil, "Command types to accept from the supervisor and acknowledge OK")
	f.String("send", "", "Send one command of this type and exit")
	f.String("payload", "", "JSON payload for --send")
	f.Duration("timeout", 5*time.Second, "How long --send waits for the acknowledge")
	_ = workerCmd.MarkFlagRequired("connect")
	_ = workerCmd.MarkFlagRequired("peer")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	addr, _ := f.GetString("connect")
	peer, _ := f.GetString("peer")
	handle, _ := f.GetStringSlice("handle")
	send, _ := f.GetString("send")
	payload, _ := f.GetString("payload")
	timeout, _ := f.GetDuration("timeout")

	if payload != "" && !json.Valid([]byte(payload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	log := newLogger(cmd, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	router := authority.NewRouter(log)
	router.HandleDefault(func(_ context.Context, ref reference.Ref, c protocol.Command) protocol.Acknowledge {
		log.Info("command from supervisor", "type", c.TypeName, "ref", ref, "payload", string(c.Payload))
		return protocol.OK("")
	})

	register := func(r *protocol.Registry, c *gateway.Client) error {
		return r.Register(TypeHeartbeat, protocol.Bind(func(ref reference.Ref, hb heartbeat) {
			log.V(logging.DEBUG).Info("heartbeat", "from", hb.From, "ref", ref)
			c.Acknowledge(ref, protocol.OK(peer))
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })

	client, err := gateway.Dial(ctx, gateway.ClientConfig{
		Address:   addr,
		Peer:      peer,
		Version:   appVersion,
		Authority: router,
		Handle:    handle,
		Register:  register,
		Logger:    log,
	})
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer client.Close()

	g.Go(func() error {
		defer cancel()
		if send != "" {
			return sendOnce(gctx, cmd, client, send, payload, timeout)
		}
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			log.Info("supervisor closed the connection")
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func sendOnce(ctx context.Context, cmd *cobra.Command, client *gateway.Client, typeName, payload string, timeout time.Duration) error {
	c := protocol.Command{TypeName: typeName, Timeout: timeout}
	if payload != "" {
		c.Payload = []byte(payload)
	}
	outcome, err := client.Request(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s ref=%s %s status=%t kind=%s message=%q\n",
		outcome.TypeName, outcome.Ref, outcome.Kind, outcome.Ack.Status, outcome.Ack.Kind, outcome.Ack.Message)
	if !outcome.OK() {
		return fmt.Errorf("%s was not acknowledged: %s", typeName, outcome.Kind)
	}
	return nil
}
