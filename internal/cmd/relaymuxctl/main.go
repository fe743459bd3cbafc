// Command relaymuxctl connects to relaymuxd, reports its health back to the
// server, echoes a few messages and optionally puts the connection under load.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relaymux/relaymux"
	"github.com/relaymux/relaymux/examples/messages"
	"github.com/relaymux/relaymux/internal"
	"github.com/relaymux/relaymux/transport"
)

type flags struct {
	network     string
	addr        string
	name        string
	healthEvery time.Duration
	load        time.Duration
	workers     int
	dev         bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:          "relaymuxctl [message...]",
		Short:        "Echo messages through relaymuxd",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if len(args) == 0 {
				args = []string{"hello", "world"}
			}
			return run(ctx, f, args)
		},
	}
	cmd.Flags().StringVar(&f.network, "network", "tcp", "how to reach the server: tcp, ws or grpc")
	cmd.Flags().StringVar(&f.addr, "addr", "", "server address, or URL for ws (default depends on --network)")
	cmd.Flags().StringVar(&f.name, "name", "you", "channel to send messages on")
	cmd.Flags().DurationVar(&f.healthEvery, "health-interval", time.Second, "how often to report health to the server")
	cmd.Flags().DurationVar(&f.load, "load", 0, "after echoing, send batches of messages for this long")
	cmd.Flags().IntVar(&f.workers, "workers", 4, "concurrent senders used by --load")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "log in human-readable form at debug level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, texts []string) error {
	var log *zap.Logger
	var err error
	if f.dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	t, closeDial, err := dial(dialCtx, f.network, f.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.network, err)
	}
	defer closeDial()

	conn, err := relaymux.NewClientConnection(ctx, t, messages.NewClientRouter(f.healthEvery, nil),
		relaymux.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	log.Info("connected", zap.String("network", f.network), zap.Stringer("conn", conn.ID()))

	echoed, err := messages.NewClient(conn).Echo(ctx, f.name, texts)
	if err != nil {
		return err
	}
	for _, text := range echoed {
		fmt.Println(text)
	}

	if f.load > 0 {
		start := time.Now()
		n, err := internal.SendMessages(ctx, conn, f.workers, f.load)
		if err != nil {
			return err
		}
		log.Info("load finished", zap.Int64("exchanges", n), zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// dial connects to the server. The returned function releases anything the
// transport depends on once the connection is closed.
func dial(ctx context.Context, network, addr string) (relaymux.Transport, func(), error) {
	switch network {
	case "tcp":
		if addr == "" {
			addr = "127.0.0.1:7000"
		}
		conn, err := transport.DialTCP(ctx, addr)
		return conn, func() {}, err
	case "ws":
		if addr == "" {
			addr = "ws://127.0.0.1:3333/rsocketServer"
		}
		t, err := transport.DialWebSocket(ctx, addr)
		return t, func() {}, err
	case "grpc":
		if addr == "" {
			addr = "127.0.0.1:26354"
		}
		cc, err := internal.BlockingDial(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		// the tunnel outlives the dial timeout
		t, err := transport.OpenTunnel(context.Background(), cc)
		if err != nil {
			_ = cc.Close()
			return nil, nil, err
		}
		return t, func() { _ = cc.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown network %q", network)
	}
}
