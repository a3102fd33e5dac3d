package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/intake"
)

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to the job service.
const JSONCodecName = "json"

// JobServiceName is the fully qualified gRPC service name.
const JobServiceName = "partflow.v1.JobService"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SubmitRequest carries one or more socket specs; more than one makes a batch.
type SubmitRequest struct {
	Specs []domain.SocketRequest `json:"specs"`
}

// JobRef names a job.
type JobRef struct {
	ID string `json:"id"`
}

// CancelReply is the empty Cancel response.
type CancelReply struct{}

// JobServiceServer is the server side of partflow.v1.JobService.
type JobServiceServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*intake.JobStatus, error)
	Status(ctx context.Context, req *JobRef) (*intake.JobStatus, error)
	Cancel(ctx context.Context, req *JobRef) (*CancelReply, error)
	Watch(req *JobRef, stream grpc.ServerStreamingServer[intake.JobStatus]) error
}

func unary[Req any, Resp any](method string, call func(JobServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + JobServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JobServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// JobServiceDesc describes the job service without generated stubs; messages
// travel as JSON.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: JobServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", JobServiceServer.Submit),
		unary("Status", JobServiceServer.Status),
		unary("Cancel", JobServiceServer.Cancel),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(JobRef)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(JobServiceServer).Watch(in, &grpc.GenericServerStream[JobRef, intake.JobStatus]{ServerStream: stream})
		},
	}},
	Metadata: "partflow/v1/jobs.json",
}

// GRPC serves the job service over the same intake as REST.
type GRPC struct {
	jobs         Jobs
	logger       *slog.Logger
	pollInterval time.Duration
}

var _ JobServiceServer = (*GRPC)(nil)

// NewGRPC creates a gRPC handler. Watch polls job status every pollInterval.
func NewGRPC(jobs Jobs, logger *slog.Logger, pollInterval time.Duration) *GRPC {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &GRPC{jobs: jobs, logger: logger, pollInterval: pollInterval}
}

// Register adds the job service to s.
func (g *GRPC) Register(s *grpc.Server) {
	s.RegisterService(&JobServiceDesc, g)
}

func (g *GRPC) Submit(ctx context.Context, req *SubmitRequest) (*intake.JobStatus, error) {
	ctx, span := otel.Tracer("api-gateway").Start(ctx, "api_gateway.grpc.submit_job")
	defer span.End()
	span.SetAttributes(attribute.Int("job.specs", len(req.Specs)))

	st, err := g.jobs.Submit(ctx, req.Specs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "submit failed")
		return nil, g.toStatus("Submit", err)
	}
	span.SetAttributes(attribute.String("job.id", st.ID))
	return st, nil
}

func (g *GRPC) Status(ctx context.Context, req *JobRef) (*intake.JobStatus, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	st, err := g.jobs.Status(ctx, req.ID)
	if err != nil {
		return nil, g.toStatus("Status", err)
	}
	return st, nil
}

func (g *GRPC) Cancel(ctx context.Context, req *JobRef) (*CancelReply, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if err := g.jobs.Cancel(ctx, req.ID); err != nil {
		return nil, g.toStatus("Cancel", err)
	}
	return &CancelReply{}, nil
}

// Watch streams the job's status whenever it changes, ending after a
// terminal state. A job cancelled mid-watch ends the stream with NotFound.
func (g *GRPC) Watch(req *JobRef, stream grpc.ServerStreamingServer[intake.JobStatus]) error {
	if req.ID == "" {
		return status.Error(codes.InvalidArgument, "id is required")
	}
	ctx := stream.Context()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		st, err := g.jobs.Status(ctx, req.ID)
		if err != nil {
			return g.toStatus("Watch", err)
		}
		snapshot, err := json.Marshal(st)
		if err != nil {
			return status.Error(codes.Internal, "encode status")
		}
		if string(snapshot) != string(last) {
			if err := stream.Send(st); err != nil {
				return err
			}
			last = snapshot
		}
		if st.Status.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

// toStatus maps domain errors onto gRPC codes the way fail maps them onto
// HTTP statuses.
func (g *GRPC) toStatus(method string, err error) error {
	var (
		notFound    *domain.JobNotFoundError
		invalid     *domain.InvalidSpecError
		submitClash *domain.SubmissionConflictError
		cancelClash *domain.CancelConflictError
		notReady    *domain.ArtifactNotReadyError
	)
	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &submitClash):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &cancelClash), errors.As(err, &notReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intake.ErrHistoryDisabled):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	g.logger.Error("grpc request failed", slog.String("method", method), slog.String("error", err.Error()))
	return status.Error(codes.Internal, "internal error")
}

// ServeHealth keeps the standard gRPC health service in step with ready until
// ctx is cancelled, then marks every service as not serving.
func ServeHealth(ctx context.Context, hs *health.Server, ready ReadyFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		st := healthpb.HealthCheckResponse_SERVING
		if err := ready(checkCtx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		cancel()
		hs.SetServingStatus("", st)
		hs.SetServingStatus(JobServiceName, st)

		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
