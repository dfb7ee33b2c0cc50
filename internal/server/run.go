// Package server wires storage, raft, the state machine and the HTTP
// layers into a running node.
package server

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/martsec/patterns-of-distributed-systems/internal/config"
	"github.com/martsec/patterns-of-distributed-systems/internal/httpapi"
	"github.com/martsec/patterns-of-distributed-systems/internal/kvsm"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft/storage"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft/transporthttp"
	"github.com/martsec/patterns-of-distributed-systems/internal/replicatedkv"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
	"github.com/martsec/patterns-of-distributed-systems/internal/wal"
)

// Run wires together the server components and starts listening.
func Run() error {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("node", cfg.Node.ID)
	logger.Info("starting node", "listen", cfg.Node.Listen, "data_dir", cfg.Node.DataDir, "peers", len(cfg.Cluster.Peers))

	logStore, err := storage.NewWALLogStore(wal.Config{Dir: filepath.Join(cfg.Node.DataDir, "wal")})
	if err != nil {
		return err
	}
	defer logStore.Close()

	stable, err := storage.NewBoltStableStore(filepath.Join(cfg.Node.DataDir, "raft.db"))
	if err != nil {
		return err
	}
	defer stable.Close()

	resolver := transporthttp.NewPeerResolver(cfg.PeerMap())
	tp := transporthttp.NewHTTPTransport(resolver)
	sm := kvsm.New()

	node, err := raft.NewNode(raft.Config{
		ID:    types.NodeID(cfg.Node.ID),
		Peers: cfg.PeerIDs(),
		Addr:  cfg.Node.Address,
		Timing: raft.TimingConfig{
			ElectionTimeoutMin: cfg.ElectionTimeoutMin(),
			ElectionTimeoutMax: cfg.ElectionTimeoutMax(),
			HeartbeatInterval:  cfg.HeartbeatInterval(),
		},
		Logger: logger,
	}, stable, logStore, tp, sm)
	if err != nil {
		return err
	}

	rkv := replicatedkv.New(node, sm, replicatedkv.Config{ReadPolicy: cfg.ReadPolicy()})
	apiServer := httpapi.New(rkv)

	// Combine API + raft RPC handlers
	mux := http.NewServeMux()
	mux.Handle("/raft/", node.HTTPHandler().Handler())
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    cfg.Node.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		node.Stop(context.Background())
		return srv.Shutdown(context.Background())
	}
}
