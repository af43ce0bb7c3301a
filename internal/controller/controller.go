// Package controller bootstraps a treecast node: it recovers local state,
// wires the control loop, transport and admin API, and runs until shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/treecast/internal/api/grpc/clients"
	"github.com/iggydv12/treecast/internal/api/grpc/servers"
	"github.com/iggydv12/treecast/internal/api/rest"
	"github.com/iggydv12/treecast/internal/config"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/node"
	"github.com/iggydv12/treecast/internal/ranking"
	"github.com/iggydv12/treecast/internal/refresh"
	"github.com/iggydv12/treecast/internal/search"
	"github.com/iggydv12/treecast/internal/storage/local"
	"github.com/iggydv12/treecast/internal/tree"
)

const shutdownTimeout = 5 * time.Second

// Options alter how a Controller starts.
type Options struct {
	// Reset wipes persisted leaves and the epoch before starting.
	Reset bool
}

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
	state  stateHolder

	ready    chan struct{}
	grpcAddr string
	restAddr string
	token    metadata.Token
}

// NewController creates a Controller.
func NewController(cfg *config.Config, opts Options, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state.Load() }

// Ready is closed once both servers accept traffic.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Addrs returns the bound gRPC and REST addresses. Valid after Ready.
func (c *Controller) Addrs() (grpcAddr, restAddr string) { return c.grpcAddr, c.restAddr }

// Token returns the overlay token the node runs with. Valid after Ready.
func (c *Controller) Token() metadata.Token { return c.token }

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.state.Store(StateStarting)
	defer c.state.Store(StateStopped)

	nodeCfg, err := c.nodeConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. Recover local state ---
	store := local.NewPebbleStorage(filepath.Join(c.cfg.Node.DataDir, "pebble"), c.logger)
	if err := store.Init(); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer store.Close()

	if c.opts.Reset {
		c.logger.Info("Resetting local state")
		if err := store.Truncate(); err != nil {
			return fmt.Errorf("storage reset: %w", err)
		}
	}
	epoch, err := store.BumpEpoch()
	if err != nil {
		return fmt.Errorf("epoch: %w", err)
	}
	leaves, err := store.Leaves()
	if err != nil {
		return fmt.Errorf("load leaves: %w", err)
	}

	// --- 2. Bind listeners ---
	lis, err := servers.Listen(ctx, c.cfg.Node.GRPCListen, c.logger)
	if err != nil {
		return err
	}
	restLis, err := net.Listen("tcp", c.cfg.Node.RESTListen)
	if err != nil {
		lis.Close()
		return fmt.Errorf("rest listen %s: %w", c.cfg.Node.RESTListen, err)
	}

	self := metadata.NodeID(c.cfg.Node.ID)
	if self == "" {
		self = metadata.NodeID(lis.Addr().String())
		if host, _, _ := net.SplitHostPort(string(self)); net.ParseIP(host).IsUnspecified() {
			c.logger.Warn("Node ID is an unspecified address; set node.id so peers can reach this node",
				zap.String("id", string(self)))
		}
	}
	nodeCfg.Self = self
	nodeCfg.Epoch = epoch
	if nodeCfg.Token == 0 {
		nodeCfg.Token = metadata.TokenFromID(self)
	}
	c.token = nodeCfg.Token

	c.logger.Info("Starting treecast node",
		zap.String("id", string(self)),
		zap.Uint32("token", uint32(nodeCfg.Token)),
		zap.Uint8("epoch", epoch),
		zap.Int("leaves", len(leaves)),
	)

	// --- 3. Wire node, loop and transport ---
	table := tree.NewTable()
	client := clients.NewTreeClient(self, c.logger)
	defer client.Close()

	n := node.New(nodeCfg, table, client, store, c.logger)
	n.Restore(leaves)

	loop := node.NewLoop(c.cfg.Loop.QueueSize, c.logger)
	handle := node.NewHandle(loop, n)

	gs := servers.NewTreeServiceServer(handle, c.logger).Serve(lis)
	api := rest.New(handle, table, func() string { return c.state.Load().String() }, c.logger)
	httpSrv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		if err := httpSrv.Serve(restLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest serve: %w", err)
		}
		return nil
	})

	// --- 4. Start schedulers ---
	stopRefresh := loop.Every(c.cfg.Schedule.RefreshTick, "refresh", func(context.Context) {
		n.OnPeriodicTick()
	})
	stopRebuild := loop.Every(c.cfg.Schedule.CacheRebuild, "cache-rebuild", func(context.Context) {
		n.RebuildCaches()
	})

	c.grpcAddr = lis.Addr().String()
	c.restAddr = restLis.Addr().String()
	c.state.Store(StateRunning)
	close(c.ready)
	c.logger.Info("Node running",
		zap.String("gRPC", c.grpcAddr),
		zap.String("REST", c.restAddr),
	)

	// --- 5. Wait for shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		c.state.Store(StateStopping)
		c.logger.Info("Shutting down")
		stopRefresh()
		stopRebuild()
		gs.GracefulStop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	c.logger.Info("Node stopped", zap.Error(err))
	return err
}

// nodeConfig translates the loaded configuration into node settings.
func (c *Controller) nodeConfig() (node.Config, error) {
	policy, err := ranking.ParsePolicy(c.cfg.Search.Policy)
	if err != nil {
		return node.Config{}, err
	}
	strategy, err := refresh.ParseStrategy(c.cfg.Refresh.Strategy)
	if err != nil {
		return node.Config{}, err
	}
	staleness, err := metadata.ParseStalenessPolicy(c.cfg.Refresh.Staleness)
	if err != nil {
		return node.Config{}, err
	}

	return node.Config{
		Token:           metadata.Token(c.cfg.Node.Token),
		Coordinate:      c.cfg.Coordinate(),
		LossThreshold:   c.cfg.Search.LossThreshold,
		FastConvergence: c.cfg.Search.FastConvergence,
		Search: search.Config{
			Ranker:    ranking.Ranker{Policy: policy},
			MaxHops:   c.cfg.Search.MaxHops,
			MaxFanout: c.cfg.Search.MaxFanout,
			Shuffle:   c.cfg.Search.Shuffle,
		},
		Refresh: refresh.Config{
			Strategy:  strategy,
			BatchSize: c.cfg.Refresh.BatchSize,
			Burst:     c.cfg.Refresh.Burst,
			Period:    c.cfg.Refresh.Period,
			Staleness: staleness,
		},
		ImmediatePropagation: c.cfg.Refresh.Immediate,
		UpdateAck:            c.cfg.Refresh.Ack,
		Centralized:          c.cfg.Search.Centralized,
	}, nil
}
