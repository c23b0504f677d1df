package txrpc

import (
	"context"
	"errors"

	"github.com/sushant-115/gojogrid/core/cache"
	fsm "github.com/sushant-115/gojogrid/core/replication/raft_consensus"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service serves TransactionServer from a coordinator.
type Service struct {
	srv    *server.Server
	node   *fsm.Node
	peers  *PeerClient
	tracer trace.Tracer
	logger *zap.Logger
}

var _ TransactionServer = (*Service)(nil)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRaft lets the service apply replicated commands and admit members. A
// follower relays joins to the leader through peers.
func WithRaft(node *fsm.Node, peers *PeerClient) ServiceOption {
	return func(s *Service) { s.node, s.peers = node, peers }
}

// WithTracer sets the tracer of the request spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func NewService(srv *server.Server, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		srv:    srv,
		tracer: noop.NewTracerProvider().Tracer(""),
		logger: logger.Named("txrpc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the service to g.
func (s *Service) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "txrpc."+name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
}

func (s *Service) engine(name string) (server.Engine, error) {
	e, err := s.srv.Cache(name)
	if err != nil {
		return nil, toStatus(err)
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	_, span := s.span(ctx, "Get", attribute.String("cache", req.Cache))
	defer span.End()
	e, err := s.engine(req.Cache)
	if err != nil {
		return nil, fail(span, err)
	}
	v, ok := e.Get(req.Key)
	if !ok {
		return &GetResponse{}, nil
	}
	return &GetResponse{Found: true, Value: v.Value, Version: v.Version, Lifespan: v.Lifespan, MaxIdle: v.MaxIdle}, nil
}

func (s *Service) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	_, span := s.span(ctx, "Put", attribute.String("cache", req.Cache))
	defer span.End()
	e, err := s.engine(req.Cache)
	if err != nil {
		return nil, fail(span, err)
	}
	version, err := e.Put(req.Key, req.Value, req.Lifespan, req.MaxIdle)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &PutResponse{Version: version}, nil
}

func (s *Service) Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error) {
	_, span := s.span(ctx, "Remove", attribute.String("cache", req.Cache))
	defer span.End()
	e, err := s.engine(req.Cache)
	if err != nil {
		return nil, fail(span, err)
	}
	removed, err := e.Remove(req.Key)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &RemoveResponse{Removed: removed}, nil
}

func (s *Service) Entries(ctx context.Context, req *EntriesRequest) (*EntriesResponse, error) {
	_, span := s.span(ctx, "Entries", attribute.String("cache", req.Cache))
	defer span.End()
	e, err := s.engine(req.Cache)
	if err != nil {
		return nil, fail(span, err)
	}
	entries := e.Entries()
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return &EntriesResponse{Entries: entries}, nil
}

func (s *Service) Prepare(ctx context.Context, req *PrepareRequest) (*CodeResponse, error) {
	ctx, span := s.span(ctx, "Prepare",
		attribute.String("cache", req.Cache),
		attribute.String("xid", req.Xid.String()),
		attribute.Bool("one_phase", req.OnePhase),
		attribute.Int("modifications", len(req.Modifications)))
	defer span.End()
	code, err := s.srv.Prepare(ctx, req.Cache, req.Xid, req.OnePhase, req.Modifications)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	span.SetAttributes(attribute.String("code", code.String()))
	return &CodeResponse{Code: code}, nil
}

func (s *Service) Complete(ctx context.Context, req *CompleteRequest) (*CodeResponse, error) {
	ctx, span := s.span(ctx, "Complete",
		attribute.String("cache", req.Cache),
		attribute.String("xid", req.Xid.String()),
		attribute.Bool("commit", req.Commit))
	defer span.End()
	code, err := s.srv.Complete(ctx, req.Cache, req.Xid, req.Commit)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	span.SetAttributes(attribute.String("code", code.String()))
	return &CodeResponse{Code: code}, nil
}

func (s *Service) Forget(ctx context.Context, req *ForgetRequest) (*Empty, error) {
	ctx, span := s.span(ctx, "Forget", attribute.String("cache", req.Cache), attribute.String("xid", req.Xid.String()))
	defer span.End()
	if err := s.srv.Forget(ctx, req.Cache, req.Xid); err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &Empty{}, nil
}

func (s *Service) Recover(ctx context.Context, req *RecoverRequest) (*RecoverResponse, error) {
	ctx, span := s.span(ctx, "Recover", attribute.String("cache", req.Cache))
	defer span.End()
	xids, err := s.srv.Recover(ctx, req.Cache)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &RecoverResponse{Xids: xids}, nil
}

func (s *Service) ForwardComplete(ctx context.Context, req *server.CompletionRequest) (*CodeResponse, error) {
	ctx, span := s.span(ctx, "ForwardComplete", attribute.String("key", req.Key().String()), attribute.Bool("commit", req.Commit))
	defer span.End()
	code, err := s.srv.HandleForward(ctx, *req)
	if err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &CodeResponse{Code: code}, nil
}

func (s *Service) Replay(ctx context.Context, cmd *server.ReplayCommand) (*Empty, error) {
	ctx, span := s.span(ctx, "Replay", attribute.String("key", cmd.Key().String()), attribute.Bool("commit", cmd.Commit))
	defer span.End()
	if err := s.srv.HandleReplay(ctx, *cmd); err != nil {
		return nil, fail(span, toStatus(err))
	}
	return &Empty{}, nil
}

func (s *Service) ForgetLocal(ctx context.Context, key *transaction.CacheXid) (*Empty, error) {
	ctx, span := s.span(ctx, "ForgetLocal", attribute.String("key", key.String()))
	defer span.End()
	s.srv.HandleForgetLocal(ctx, *key)
	return &Empty{}, nil
}

func (s *Service) ApplyCommand(ctx context.Context, cmd *fsm.Command) (*fsm.Result, error) {
	ctx, span := s.span(ctx, "ApplyCommand", attribute.String("op", cmd.Op))
	defer span.End()
	if s.node == nil {
		return nil, fail(span, status.Error(grpccodes.Unimplemented, "node is not clustered"))
	}
	res, err := s.node.Apply(ctx, *cmd)
	if res != nil {
		// The apply error travels in the result.
		return res, nil
	}
	return nil, fail(span, toStatus(err))
}

func (s *Service) Join(ctx context.Context, m *fsm.Member) (*Empty, error) {
	ctx, span := s.span(ctx, "Join", attribute.String("member", m.ID), attribute.String("address", m.Address))
	defer span.End()
	if err := s.onLeader(ctx, *m, s.node.Join, (*PeerClient).Join); err != nil {
		return nil, fail(span, err)
	}
	return &Empty{}, nil
}

func (s *Service) Leave(ctx context.Context, m *fsm.Member) (*Empty, error) {
	ctx, span := s.span(ctx, "Leave", attribute.String("member", m.ID))
	defer span.End()
	leave := func(ctx context.Context, m fsm.Member) error { return s.node.Leave(ctx, m.ID) }
	if err := s.onLeader(ctx, *m, leave, (*PeerClient).Leave); err != nil {
		return nil, fail(span, err)
	}
	return &Empty{}, nil
}

// onLeader runs a membership change on this node when it leads, or relays it
// to the leader.
func (s *Service) onLeader(
	ctx context.Context,
	m fsm.Member,
	local func(context.Context, fsm.Member) error,
	relay func(*PeerClient, context.Context, string, fsm.Member) error,
) error {
	if s.node == nil {
		return status.Error(grpccodes.Unimplemented, "node is not clustered")
	}
	if s.node.IsLeader() {
		return toStatus(local(ctx, m))
	}
	leader, ok := s.node.Leader()
	if !ok || s.peers == nil {
		return toStatus(fsm.ErrNoLeader)
	}
	s.logger.Debug("Relaying membership change to leader", zap.String("member", m.ID), zap.String("leader", leader.ID))
	return relay(s.peers, ctx, leader.Address, m)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// toStatus maps domain errors onto gRPC status codes; fromStatus undoes it on
// the client.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, server.ErrUnknownCache):
		return status.Error(grpccodes.NotFound, err.Error())
	case errors.Is(err, cache.ErrLockConflict):
		return status.Error(grpccodes.Aborted, err.Error())
	case errors.Is(err, fsm.ErrNotLeader), errors.Is(err, fsm.ErrNoLeader):
		return status.Error(grpccodes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(grpccodes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(grpccodes.Canceled, err.Error())
	}
	return status.Error(grpccodes.Internal, err.Error())
}
