// Package grpcserver exposes analyses over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"descaleverify/internal/config"
	"descaleverify/internal/framesource"
	"descaleverify/internal/pipeline"
	"descaleverify/internal/storage"
)

const serviceName = "descaleverify.v1.Verifier"

// Full method names.
const (
	MethodListRuns = "/" + serviceName + "/ListRuns"
	MethodGetRun   = "/" + serviceName + "/GetRun"
	MethodAnalyze  = "/" + serviceName + "/Analyze"
)

// VerifierServer is the service implementation.
type VerifierServer interface {
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Analyze(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the Verifier service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRuns", Handler: unaryHandler(MethodListRuns, VerifierServer.ListRuns)},
		{MethodName: "GetRun", Handler: unaryHandler(MethodGetRun, VerifierServer.GetRun)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Analyze", Handler: analyzeHandler, ServerStreams: true},
	},
	Metadata: "descaleverify/v1/verifier",
}

type unaryMethod func(VerifierServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VerifierServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(VerifierServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func analyzeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(VerifierServer).Analyze(in, stream)
}

// Server implements VerifierServer over the run store and job pipeline.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
}

// New creates the service. store may be nil.
func New(cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: store, pipeline: pipe, log: log}
}

// Register adds the service to grpcServer.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	grpcServer := grpc.NewServer(ServerOptions()...)
	s.Register(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", listen.Addr().String())
	return grpcServer.Serve(listen)
}

// ServerOptions returns the keepalive and message limits the service runs with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
}

func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "run store disabled")
	}
	limit := 20
	if v, ok := req.GetFields()["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	if limit < 1 {
		return nil, status.Error(codes.InvalidArgument, "limit must be positive")
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	runs := make([]any, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, runMap(rec))
	}
	return structpb.NewStruct(map[string]any{"runs": runs})
}

func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "run store disabled")
	}
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	m := runMap(rec)
	if includeSeries := req.GetFields()["series"].GetBoolValue(); includeSeries {
		values, err := s.store.RunSeries(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, status.Error(codes.Internal, err.Error())
		}
		series := make([]any, len(values))
		for i, v := range values {
			series[i] = v
		}
		m["series"] = series
	}
	return structpb.NewStruct(m)
}

// Analyze submits an analysis and streams progress events followed by one
// result event.
func (s *Server) Analyze(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	job, err := requestFromStruct(req).Job(s.cfg, pipeline.JobAnalyze)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	progress, unsubProgress := s.pipeline.SubscribeProgress()
	defer unsubProgress()
	results, unsubResults := s.pipeline.Subscribe()
	defer unsubResults()

	job, err = s.pipeline.Submit(job)
	if errors.Is(err, pipeline.ErrQueueFull) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	s.log.Info("grpc analysis submitted", "job", job.ID, "input", job.InputPath)

	sendProgress := func(ev pipeline.Progress) error {
		msg, err := structpb.NewStruct(map[string]any{
			"type":   "progress",
			"job_id": ev.JobID,
			"done":   ev.Done,
			"total":  ev.Total,
		})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(msg)
	}

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-progress:
			if !ok {
				return status.Error(codes.Unavailable, "pipeline stopped")
			}
			if ev.JobID != job.ID {
				continue
			}
			if err := sendProgress(ev); err != nil {
				return err
			}
		case res, ok := <-results:
			if !ok {
				return status.Error(codes.Unavailable, "pipeline stopped")
			}
			if res.Job.ID != job.ID {
				continue
			}
			// Progress is published before the result, so whatever is
			// still buffered belongs before the result event.
			if err := drainProgress(progress, job.ID, sendProgress); err != nil {
				return err
			}
			if res.Error != nil {
				return status.Error(errorCode(res.Error), res.Error.Error())
			}
			m := map[string]any{"type": "result", "job_id": job.ID}
			for k, v := range res.Meta {
				m[k] = v
			}
			msg, err := structpb.NewStruct(m)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.SendMsg(msg)
		}
	}
}

func drainProgress(ch <-chan pipeline.Progress, jobID string, send func(pipeline.Progress) error) error {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.JobID != jobID {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return codes.InvalidArgument
	case errors.Is(err, framesource.ErrSourceUnavailable):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

func requestFromStruct(s *structpb.Struct) pipeline.Request {
	f := s.GetFields()
	req := pipeline.Request{
		Input:     f["input"].GetStringValue(),
		OutputDir: f["output_dir"].GetStringValue(),
		Kernel:    f["kernel"].GetStringValue(),
		Interval:  int(f["interval"].GetNumberValue()),
		Height:    int(f["height"].GetNumberValue()),
		Reduction: f["reduction"].GetStringValue(),
		Workers:   int(f["workers"].GetNumberValue()),
		Backend:   f["backend"].GetStringValue(),
	}
	if v, ok := f["a"]; ok {
		a := v.GetNumberValue()
		req.ParamA = &a
	}
	if v, ok := f["b"]; ok {
		b := v.GetNumberValue()
		req.ParamB = &b
	}
	return req
}

func runMap(rec storage.RunRecord) map[string]any {
	m := map[string]any{
		"id":             rec.ID,
		"status":         rec.Status,
		"input":          rec.InputPath,
		"kernel":         rec.Kernel,
		"a":              rec.ParamA,
		"b":              rec.ParamB,
		"interval":       rec.Interval,
		"descale_height": rec.DescaleHeight,
		"reduction":      rec.Reduction,
		"source":         fmt.Sprintf("%dx%d", rec.SourceWidth, rec.SourceHeight),
		"low":            fmt.Sprintf("%dx%d", rec.LowWidth, rec.LowHeight),
		"frames":         rec.Frames,
		"plot":           rec.PlotPath,
		"elapsed_ms":     rec.Elapsed.Milliseconds(),
		"created_at":     rec.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if rec.Error != "" {
		m["error"] = rec.Error
	}
	if rec.Summary != nil {
		m["summary"] = rec.Summary
	}
	return m
}
