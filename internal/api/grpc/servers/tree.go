// Package servers exposes the node's control plane over gRPC.
package servers

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/iggydv12/treecast/internal/api/grpc/wire"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/node"
)

// Handler hands work to the node's control loop.
type Handler interface {
	Do(ctx context.Context, fn func(*node.Node)) error
}

// TreeServiceServer implements the Tree gRPC service.
type TreeServiceServer struct {
	handler Handler
	decoder *metadata.Decoder
	logger  *zap.Logger
}

var _ wire.TreeServer = (*TreeServiceServer)(nil)

// NewTreeServiceServer creates a TreeServiceServer.
func NewTreeServiceServer(handler Handler, logger *zap.Logger) *TreeServiceServer {
	return &TreeServiceServer{
		handler: handler,
		decoder: metadata.NewDecoder(logger),
		logger:  logger.Named("grpc"),
	}
}

// Listen binds addr, retrying while the port is busy.
func Listen(ctx context.Context, addr string, logger *zap.Logger) (net.Listener, error) {
	var lis net.Listener
	err := retry.Do(func() error {
		var err error
		lis, err = net.Listen("tcp", addr)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Listen retry", zap.Uint("attempt", n), zap.String("addr", addr), zap.Error(err))
		}),
	)
	return lis, err
}

// Serve starts serving the Tree service on lis in the background.
func (s *TreeServiceServer) Serve(lis net.Listener) *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 300 * time.Second}),
	)
	wire.RegisterTreeServer(srv, s)
	go func() {
		if err := srv.Serve(lis); err != nil {
			s.logger.Error("Tree gRPC server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Tree gRPC listening", zap.String("addr", lis.Addr().String()))
	return srv
}

func (s *TreeServiceServer) Push(ctx context.Context, req *wire.PushRequest) (*wire.Empty, error) {
	r, err := s.decoder.Decode(req.Update.Record)
	if err != nil {
		s.logger.Debug("Malformed push dropped", zap.String("from", req.From), zap.Error(err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	topic, from := metadata.TopicID(req.Update.Topic), metadata.NodeID(req.From)
	return s.do(ctx, func(n *node.Node) {
		n.OnChildMetadataUpdate(topic, from, r)
	})
}

func (s *TreeServiceServer) PushBatch(ctx context.Context, req *wire.BatchRequest) (*wire.Empty, error) {
	batch, dropped := wire.ToUpdates(s.decoder, req.Updates)
	if dropped > 0 {
		s.logger.Debug("Malformed batch entries dropped", zap.String("from", req.From), zap.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return &wire.Empty{}, nil
	}
	from := metadata.NodeID(req.From)
	return s.do(ctx, func(n *node.Node) {
		n.OnChildMetadataBatch(from, batch)
	})
}

func (s *TreeServiceServer) Ack(ctx context.Context, req *wire.AckRequest) (*wire.Empty, error) {
	topic, at := metadata.TopicID(req.Topic), time.Unix(0, req.AtNano)
	return s.do(ctx, func(n *node.Node) {
		n.OnUpdateAck(topic, at)
	})
}

func (s *TreeServiceServer) Search(ctx context.Context, req *wire.SearchRequest) (*wire.Empty, error) {
	sr := wire.ToRequest(req)
	return s.do(ctx, func(n *node.Node) {
		n.HandleSearch(sr)
	})
}

func (s *TreeServiceServer) Result(ctx context.Context, req *wire.SearchResult) (*wire.Empty, error) {
	res, err := wire.ToResult(s.decoder, req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.do(ctx, func(n *node.Node) {
		n.OnSearchResult(res)
	})
}

func (s *TreeServiceServer) do(ctx context.Context, fn func(*node.Node)) (*wire.Empty, error) {
	err := s.handler.Do(ctx, fn)
	switch {
	case err == nil:
		return &wire.Empty{}, nil
	case errors.Is(err, node.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, node.ErrLoopStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}
