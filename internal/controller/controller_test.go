package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/config"
	"github.com/iggydv12/treecast/internal/controller"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/storage/local"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Node: config.NodeConfig{
			Token:      7,
			GRPCListen: "127.0.0.1:0",
			RESTListen: "127.0.0.1:0",
			DataDir:    dir,
		},
		Search: config.SearchConfig{
			Policy:        "time",
			MaxHops:       20,
			MaxFanout:     5,
			LossThreshold: 50,
		},
		Refresh: config.RefreshConfig{
			Strategy:  "piggyback",
			BatchSize: 25,
			Burst:     25,
			Period:    time.Second,
			Staleness: "always",
		},
		Schedule: config.ScheduleConfig{
			RefreshTick:  50 * time.Millisecond,
			CacheRebuild: time.Second,
		},
		Loop: config.LoopConfig{QueueSize: 64},
	}
}

// start runs a controller and waits until it serves.
func start(t *testing.T, cfg *config.Config, opts controller.Options) (*controller.Controller, context.CancelFunc, <-chan error) {
	t.Helper()
	c := controller.NewController(cfg, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("controller exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("controller not ready")
	}
	return c, cancel, done
}

func stopAndWait(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestRunServesAndStops(t *testing.T) {
	c, cancel, done := start(t, testConfig(t.TempDir()), controller.Options{})
	assert.Equal(t, controller.StateRunning, c.State())

	_, restAddr := c.Addrs()
	resp, err := http.Get("http://" + restAddr + "/treecast/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["state"])

	stopAndWait(t, cancel, done)
	assert.Equal(t, controller.StateStopped, c.State())
}

func TestZeroTokenIsDerivedPerNode(t *testing.T) {
	cfgA := testConfig(t.TempDir())
	cfgA.Node.Token = 0
	cfgB := testConfig(t.TempDir())
	cfgB.Node.Token = 0

	a, cancelA, doneA := start(t, cfgA, controller.Options{})
	b, cancelB, doneB := start(t, cfgB, controller.Options{})

	grpcA, _ := a.Addrs()
	grpcB, _ := b.Addrs()
	require.NotEqual(t, grpcA, grpcB)
	assert.NotZero(t, a.Token())
	assert.NotZero(t, b.Token())
	assert.NotEqual(t, a.Token(), b.Token())
	assert.Equal(t, metadata.TokenFromID(metadata.NodeID(grpcA)), a.Token())

	stopAndWait(t, cancelA, doneA)
	stopAndWait(t, cancelB, doneB)
}

func TestConfiguredTokenIsKept(t *testing.T) {
	c, cancel, done := start(t, testConfig(t.TempDir()), controller.Options{})
	assert.Equal(t, metadata.Token(7), c.Token())
	stopAndWait(t, cancel, done)
}

func TestRestartBumpsEpochAndResetClears(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	_, cancel, done := start(t, cfg, controller.Options{})
	stopAndWait(t, cancel, done)
	_, cancel, done = start(t, cfg, controller.Options{})
	stopAndWait(t, cancel, done)

	store := local.NewPebbleStorage(dir+"/pebble", zap.NewNop())
	require.NoError(t, store.Init())
	e, err := store.Epoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), e)
	require.NoError(t, store.Close())

	_, cancel, done = start(t, cfg, controller.Options{Reset: true})
	stopAndWait(t, cancel, done)

	store = local.NewPebbleStorage(dir+"/pebble", zap.NewNop())
	require.NoError(t, store.Init())
	defer store.Close()
	e, err = store.Epoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), e)
}

func TestRunRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Search.Policy = "fastest"
	err := controller.NewController(cfg, controller.Options{}, zap.NewNop()).Run(context.Background())
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", controller.StateStarting.String())
	assert.Equal(t, "stopping", controller.StateStopping.String())
	assert.True(t, controller.StateRunning.IsServing())
	assert.False(t, controller.StateStopped.IsServing())
}
