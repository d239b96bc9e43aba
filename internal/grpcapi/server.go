package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"feedcatalog/internal/ingest"
	"feedcatalog/internal/search"
)

// Server implements CatalogServer over the search engine and scheduler.
type Server struct {
	engine *search.Engine
	sched  *ingest.Scheduler
}

func NewServer(engine *search.Engine, sched *ingest.Scheduler) *Server {
	return &Server{engine: engine, sched: sched}
}

// Listen registers srv on a new gRPC server bound to port.
func Listen(port string, srv CatalogServer) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on port %s: %w", port, err)
	}
	s := NewGRPCServer()
	Register(s, srv)
	return s, lis, nil
}

// NewGRPCServer returns a server whose handlers cannot take the process down
// with a panic.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(recoverUnary)}, opts...)
	return grpc.NewServer(opts...)
}

func recoverUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"method": info.FullMethod,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("gRPC handler panicked")
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// Search takes the query fields of GET /search as a struct.
func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var q search.Query
	if err := decode(in, &q); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode query: %v", err)
	}
	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

// TriggerRun starts a run for {"shop_id": n}.
func (s *Server) TriggerRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ShopID uint `json:"shop_id"`
	}
	if err := decode(in, &req); err != nil || req.ShopID == 0 {
		return nil, status.Error(codes.InvalidArgument, "shop_id is required")
	}
	run, err := s.sched.Start(ctx, req.ShopID)
	if err != nil {
		return nil, toStatus(err)
	}
	logrus.WithFields(logrus.Fields{"shop": run.Shop, "run_id": run.ID}).Info("Run triggered over gRPC")
	return encode(run)
}

func decode(in *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func encode(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var qe *search.QueryError
	switch {
	case errors.As(err, &qe):
		return status.Error(codes.InvalidArgument, qe.Error())
	case errors.Is(err, ingest.ErrRunInProgress):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ingest.ErrShopDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ingest.ErrShopNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		logrus.WithError(err).Error("gRPC request failed")
		return status.Error(codes.Internal, "internal error")
	}
}
