package server

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/metrics"
	"github.com/hyperjump/cgrcompute/internal/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Recommendation service names on the wire.
const (
	ServiceName     = "CourseRecommendation"
	RecommendMethod = "/" + ServiceName + "/Recommend"
)

// codecName selects the JSON codec through the application/grpc+json
// content subtype. Health calls keep the default protobuf codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RecommendationServer is the gRPC recommendation service.
type RecommendationServer interface {
	Recommend(ctx context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error)
}

var recommendationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecommendationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recommend", Handler: recommendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "course_recommendation.proto",
}

func recommendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(models.RecommendationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecommendationServer).Recommend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RecommendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecommendationServer).Recommend(ctx, req.(*models.RecommendationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcRecommender maps Recommender errors to gRPC status codes.
type grpcRecommender struct {
	rec    Recommender
	logger *zap.Logger
}

func (g *grpcRecommender) Recommend(ctx context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	start := time.Now()
	resp, err := g.rec.Recommend(ctx, req)
	if err != nil {
		metrics.RecordRecommend("grpc", outcome(err), time.Since(start))
		return nil, status.Error(grpcCode(err), err.Error())
	}
	metrics.RecordRecommend("grpc", "ok", time.Since(start))
	return resp, nil
}

func grpcCode(err error) codes.Code {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	return codes.Internal
}

// healthServer reports the worker pool through grpc.health.v1. Only the
// server-wide empty service name is known.
type healthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	pool     Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

func (h *healthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if req.GetService() != "" {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	ctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()
	ok := h.pool.HealthCheck(ctx)
	metrics.SetPoolHealthy(ok)
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus(ok)}, nil
}

func (h *healthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	if req.GetService() != "" {
		return stream.Send(&grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN,
		})
	}
	interval := h.interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := h.timeout
	if timeout <= 0 {
		timeout = interval
	}
	for ok := range h.pool.Watch(stream.Context(), interval, timeout) {
		metrics.SetPoolHealthy(ok)
		if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: servingStatus(ok)}); err != nil {
			return err
		}
	}
	return stream.Context().Err()
}

// timeoutInterceptor bounds every unary call by d when d is positive. A
// shorter client deadline still wins.
func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := withTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("took", time.Since(start)),
		)
		return resp, err
	}
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in grpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "panic recovered: %v", r)
			}
		}()
		return handler(ctx, req)
	}
}

func streamRecoveryInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in grpc stream",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "panic recovered: %v", r)
			}
		}()
		return handler(srv, ss)
	}
}
