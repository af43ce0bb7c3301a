// Package clients sends the node's outbound Tree messages.
package clients

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/iggydv12/treecast/internal/api/grpc/wire"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/metrics"
	"github.com/iggydv12/treecast/internal/node"
	"github.com/iggydv12/treecast/internal/search"
)

const sendDeadline = 2 * time.Second

// TreeClient keeps one connection per peer and sends every message
// fire-and-forget. Failures are logged and counted, never retried.
type TreeClient struct {
	self   metadata.NodeID
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[metadata.NodeID]*grpc.ClientConn
	closed bool
	wg     sync.WaitGroup
}

var _ node.Transport = (*TreeClient)(nil)

// NewTreeClient creates a client that signs messages as self.
func NewTreeClient(self metadata.NodeID, logger *zap.Logger) *TreeClient {
	return &TreeClient{
		self:   self,
		logger: logger.Named("client"),
		conns:  make(map[metadata.NodeID]*grpc.ClientConn),
	}
}

func (c *TreeClient) client(peer metadata.NodeID) (*wire.TreeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peer]; ok {
		return wire.NewTreeClient(conn), nil
	}
	conn, err := grpc.NewClient(string(peer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 300 * time.Second}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16*1024*1024)),
	)
	if err != nil {
		return nil, err
	}
	c.conns[peer] = conn
	return wire.NewTreeClient(conn), nil
}

// send runs call in the background with a deadline.
func (c *TreeClient) send(method string, peer metadata.NodeID, call func(context.Context, *wire.TreeClient) error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		cl, err := c.client(peer)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), sendDeadline)
			err = call(ctx, cl)
			cancel()
		}
		if err != nil {
			metrics.SendFailures.WithLabelValues(method).Inc()
			c.logger.Debug("Send failed",
				zap.String("method", method),
				zap.String("peer", string(peer)),
				zap.Error(err),
			)
		}
	}()
}

// Send pushes one record to parent.
func (c *TreeClient) Send(parent metadata.NodeID, r *metadata.Record) {
	req := &wire.PushRequest{
		From:   string(c.self),
		Update: wire.Update{Topic: int32(r.Topic), Record: metadata.Encode(r)},
	}
	c.send("push", parent, func(ctx context.Context, cl *wire.TreeClient) error {
		_, err := cl.Push(ctx, req)
		return err
	})
}

// SendBatch pushes a piggybacked batch to parent.
func (c *TreeClient) SendBatch(parent metadata.NodeID, batch []metadata.Update) {
	req := &wire.BatchRequest{From: string(c.self), Updates: wire.FromUpdates(batch)}
	c.send("push-batch", parent, func(ctx context.Context, cl *wire.TreeClient) error {
		_, err := cl.PushBatch(ctx, req)
		return err
	})
}

// Ack acknowledges child's update of topic.
func (c *TreeClient) Ack(child metadata.NodeID, topic metadata.TopicID, at time.Time) {
	req := &wire.AckRequest{From: string(c.self), Topic: int32(topic), AtNano: at.UnixNano()}
	c.send("ack", child, func(ctx context.Context, cl *wire.TreeClient) error {
		_, err := cl.Ack(ctx, req)
		return err
	})
}

// Forward hands a search to its next hop.
func (c *TreeClient) Forward(next metadata.NodeID, req *search.Request) {
	m := wire.FromRequest(req)
	c.send("search", next, func(ctx context.Context, cl *wire.TreeClient) error {
		_, err := cl.Search(ctx, m)
		return err
	})
}

// Reply returns a search answer to its requester.
func (c *TreeClient) Reply(to metadata.NodeID, res search.Result) {
	m := wire.FromResult(res)
	c.send("result", to, func(ctx context.Context, cl *wire.TreeClient) error {
		_, err := cl.Result(ctx, m)
		return err
	})
}

// Close waits for in-flight sends and closes every connection.
func (c *TreeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for peer, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, peer)
	}
	return firstErr
}
