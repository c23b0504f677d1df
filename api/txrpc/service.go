package txrpc

import (
	"context"

	fsm "github.com/sushant-115/gojogrid/core/replication/raft_consensus"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gojogrid.tx.v1.TransactionService"

// TransactionServer is what a grid server exposes over gRPC.
type TransactionServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Remove(context.Context, *RemoveRequest) (*RemoveResponse, error)
	Entries(context.Context, *EntriesRequest) (*EntriesResponse, error)
	Prepare(context.Context, *PrepareRequest) (*CodeResponse, error)
	Complete(context.Context, *CompleteRequest) (*CodeResponse, error)
	Forget(context.Context, *ForgetRequest) (*Empty, error)
	Recover(context.Context, *RecoverRequest) (*RecoverResponse, error)

	// Peer methods.
	ForwardComplete(context.Context, *server.CompletionRequest) (*CodeResponse, error)
	Replay(context.Context, *server.ReplayCommand) (*Empty, error)
	ForgetLocal(context.Context, *transaction.CacheXid) (*Empty, error)
	ApplyCommand(context.Context, *fsm.Command) (*fsm.Result, error)
	Join(context.Context, *fsm.Member) (*Empty, error)
	Leave(context.Context, *fsm.Member) (*Empty, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(TransactionServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TransactionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TransactionServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes TransactionServer to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransactionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Get", TransactionServer.Get),
		unary("Put", TransactionServer.Put),
		unary("Remove", TransactionServer.Remove),
		unary("Entries", TransactionServer.Entries),
		unary("Prepare", TransactionServer.Prepare),
		unary("Complete", TransactionServer.Complete),
		unary("Forget", TransactionServer.Forget),
		unary("Recover", TransactionServer.Recover),
		unary("ForwardComplete", TransactionServer.ForwardComplete),
		unary("Replay", TransactionServer.Replay),
		unary("ForgetLocal", TransactionServer.ForgetLocal),
		unary("ApplyCommand", TransactionServer.ApplyCommand),
		unary("Join", TransactionServer.Join),
		unary("Leave", TransactionServer.Leave),
	},
	Metadata: "txrpc",
}
