package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"roomnet/config"
	"roomnet/gameserver"
	roomnet_grpc "roomnet/grpc"
	"roomnet/transport"
)

var addr string
var rooms string
var entryRoom string
var dev bool

func init() {
	flag.StringVar(&addr, "b", "", "The lobby binding address, overrides ROOMNET_LISTEN_ADDR")
	flag.StringVar(&rooms, "rooms", "lobby", "Comma separated rooms created at startup")
	flag.StringVar(&entryRoom, "entry", "lobby", "The room new players are sent to, empty to keep them in the lobby")
	flag.BoolVar(&dev, "dev", false, "Human readable debug logging, overrides ROOMNET_DEV")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if dev {
		cfg.Development = true
	}

	var zapLogger *zap.Logger
	if cfg.Development {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck

	peerOpts := []roomnet_grpc.Option{
		roomnet_grpc.WithLogger(zapLogger),
		roomnet_grpc.WithApprovalTimeout(cfg.ApprovalTimeout),
		roomnet_grpc.WithServerOptions(
			grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
				grpc_recovery.UnaryServerInterceptor(),
				grpc_ctxtags.UnaryServerInterceptor(),
				grpc_zap.UnaryServerInterceptor(zapLogger),
			)),
			grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
				grpc_recovery.StreamServerInterceptor(),
				grpc_ctxtags.StreamServerInterceptor(),
				grpc_zap.StreamServerInterceptor(zapLogger),
			)),
		),
	}

	srv := gameserver.New(
		roomnet_grpc.NewServerPeer(cfg.ListenAddr, peerOpts...),
		func(addr string) (transport.Peer, error) {
			return roomnet_grpc.NewServerPeer(addr, peerOpts...), nil
		},
		cfg, gameserver.WithLogger(zapLogger))
	if err := srv.Start(); err != nil {
		zapLogger.Fatal("failed to start server", zap.Error(err))
	}

	for _, name := range strings.Split(rooms, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if _, err := srv.CreateRoom(name); err != nil {
			zapLogger.Fatal("failed to create room", zap.String("room", name), zap.Error(err))
		}
	}
	if entryRoom != "" {
		entry, ok := srv.GetRoom(entryRoom)
		if !ok {
			zapLogger.Fatal("entry room is not created", zap.String("room", entryRoom))
		}
		srv.OnPlayerConnected = func(p *gameserver.Player) {
			if err := p.ChangeRoom(entry); err != nil {
				zapLogger.Warn("failed to send player to entry room", zap.Uint16("player", uint16(p.ID())), zap.Error(err))
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
		select {
		case s := <-sig:
			zapLogger.Info("shutting down", zap.Stringer("signal", s))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		zapLogger.Error("server stopped with error", zap.Error(err))
	}
	cancel()
	zapLogger.Info("room server shutdown")
}
