// Command relaymuxd serves the messages application over TCP, WebSockets and
// a gRPC tunnel at the same time.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/relaymux/relaymux"
	"github.com/relaymux/relaymux/examples/messages"
	"github.com/relaymux/relaymux/transport"
)

type flags struct {
	tcpAddr  string
	httpAddr string
	grpcAddr string
	wsPath   string
	window   uint32
	dev      bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:          "relaymuxd",
		Short:        "Serve the messages application",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}
	cmd.Flags().StringVar(&f.tcpAddr, "tcp", "127.0.0.1:7000", "address for raw TCP connections, empty to disable")
	cmd.Flags().StringVar(&f.httpAddr, "http", "127.0.0.1:3333", "address for WebSocket connections and /metrics")
	cmd.Flags().StringVar(&f.grpcAddr, "grpc", "127.0.0.1:26354", "address for gRPC tunnels, empty to disable")
	cmd.Flags().StringVar(&f.wsPath, "ws-path", "/rsocketServer", "path of the WebSocket endpoint")
	cmd.Flags().Uint32Var(&f.window, "window", relaymux.DefaultWindow, "credit granted to peers for each exchange")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "log in human-readable form at debug level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, f flags) error {
	log, err := newLogger(f.dev)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := relaymux.NewServer(messages.NewServerRouter(log.Named("messages"), nil), relaymux.ServerOptions{
		OnConnect: func(c *relaymux.Connection) {
			log.Info("client connected", zap.Stringer("conn", c.ID()))
		},
		OnDisconnect: func(c *relaymux.Connection) {
			log.Info("client disconnected", zap.Stringer("conn", c.ID()), zap.Error(c.Err()))
		},
		ConnectionOptions: []relaymux.Option{
			relaymux.WithLogger(log),
			relaymux.WithMetrics(relaymux.NewMetrics(reg)),
			relaymux.WithWindow(f.window),
		},
	})

	grp, ctx := errgroup.WithContext(ctx)
	if f.tcpAddr != "" {
		l, err := net.Listen("tcp", f.tcpAddr)
		if err != nil {
			return err
		}
		log.Info("listening for TCP connections", zap.Stringer("addr", l.Addr()))
		grp.Go(func() error {
			return transport.ServeListener(ctx, l, srv)
		})
	}
	if f.grpcAddr != "" {
		l, err := net.Listen("tcp", f.grpcAddr)
		if err != nil {
			return err
		}
		gs := newGRPCServer(srv, log)
		log.Info("listening for gRPC tunnels", zap.Stringer("addr", l.Addr()))
		grp.Go(func() error {
			return gs.Serve(l)
		})
		grp.Go(func() error {
			<-ctx.Done()
			gs.Stop()
			return nil
		})
	}

	mux := http.NewServeMux()
	mux.Handle(f.wsPath, transport.WebSocketHandler(srv, log))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: f.httpAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info("listening for WebSocket connections", zap.String("addr", f.httpAddr), zap.String("path", f.wsPath))
	grp.Go(func() error {
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		srv.InitiateShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
		srv.Stop()
		return nil
	})

	err = grp.Wait()
	log.Info("stopped", zap.Error(err))
	return err
}

// newGRPCServer builds a gRPC server whose only service is the tunnel. The
// service is registered through a handler map so that every tunnel stream is
// logged.
func newGRPCServer(srv *relaymux.Server, log *zap.Logger) *grpc.Server {
	handlers := grpchan.HandlerMap{}
	transport.RegisterTunnelService(grpchan.WithInterceptor(handlers,
		func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		},
		func(svr any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			log := log.With(zap.String("method", info.FullMethod))
			if p, ok := peer.FromContext(ss.Context()); ok {
				log = log.With(zap.Stringer("remote", p.Addr))
			}
			start := time.Now()
			err := handler(svr, ss)
			log.Info("tunnel closed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return err
		},
	), srv)
	gs := grpc.NewServer()
	handlers.ForEach(gs.RegisterService)
	return gs
}
