package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/advisor/internal/capability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// capabilityServer is the handler type registered with grpc.
type capabilityServer interface {
	isCapabilityServer()
}

// Server exposes a capability set over gRPC.
type Server struct {
	set    capability.Set
	logger *slog.Logger
}

// NewServer creates a server backed by set.
func NewServer(set capability.Set, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{set: set, logger: logger}
}

func (*Server) isCapabilityServer() {}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*capabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodClassify, Handler: unaryHandler(methodClassify, (*Server).classify)},
		{MethodName: methodExtract, Handler: unaryHandler(methodExtract, (*Server).extract)},
		{MethodName: methodQuestion, Handler: unaryHandler(methodQuestion, (*Server).question)},
		{MethodName: methodProcess, Handler: unaryHandler(methodProcess, (*Server).process)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "advisor/capability/v1/capability.proto",
}

// Register adds the capability service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve runs a gRPC server on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 2 * time.Minute, Timeout: 10 * time.Second}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("capability service listening", "address", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve capabilities: %w", err)
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("capability rpc",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"latency_ms", time.Since(start).Milliseconds())
	return resp, err
}

type method func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, fn method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

func (s *Server) classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.set.Classifier == nil {
		return nil, status.Error(codes.Unimplemented, "classifier not configured")
	}
	var req capability.ClassifyRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.set.Classifier.Classify(ctx, req)
	return reply(res, err)
}

func (s *Server) extract(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.set.Extractor == nil {
		return nil, status.Error(codes.Unimplemented, "extractor not configured")
	}
	var req capability.ExtractRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.set.Extractor.Extract(ctx, req)
	return reply(res, err)
}

func (s *Server) question(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.set.Questions == nil {
		return nil, status.Error(codes.Unimplemented, "question generator not configured")
	}
	var req capability.QuestionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	text, err := s.set.Questions.Question(ctx, req)
	return reply(textResult{Text: text}, err)
}

func (s *Server) process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req capability.UnitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	unit, ok := s.set.Units[req.Intent]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no unit for intent %q", req.Intent)
	}
	res, err := unit.Process(ctx, req)
	return reply(res, err)
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	st, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}
