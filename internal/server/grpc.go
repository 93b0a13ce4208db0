package server

import (
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the full gRPC name of the market query service.
const ServiceName = "percolator.query.v1.QueryService"

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	handler       http.Handler
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	Funding       *projection.FundingHistoryProjection
	Hub           *MarketHub
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with every service registered and
// builds the HTTP handler tree.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	impl := &queryServer{
		qs:        deps.QueryService,
		ingest:    deps.IngestService,
		db:        deps.DB,
		funding:   deps.Funding,
		startTime: deps.StartTime,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))
	grpcServer.RegisterService(&queryServiceDesc, impl)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := newHTTPHandler(impl, deps)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
		handler:       handler,
	}, nil
}

// GRPC returns the underlying gRPC server.
func (s *GRPCServer) GRPC() *grpc.Server { return s.grpcServer }

// Handler returns the HTTP handler serving the JSON gateway, health probes
// and the websocket feed.
func (s *GRPCServer) Handler() http.Handler { return s.handler }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// JSON codec
// ============================================================================

// JSONCodecName is the content-subtype clients select to call the query
// service: grpc.CallContentSubtype(JSONCodecName). Health and reflection
// keep the default proto codec.
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ============================================================================
// Request and response messages
// ============================================================================

type ListMarketsRequest struct{}

type ListMarketsResponse struct {
	Markets []query.MarketResponse `json:"markets"`
}

type MarketRequest struct {
	Slab string `json:"slab"`
}

type ListAccountsRequest struct {
	Slab string `json:"slab"`
	Kind string `json:"kind,omitempty"`
}

type ListAccountsResponse struct {
	Accounts []query.AccountResponse `json:"accounts"`
}

type PositionRequest struct {
	Slab  string `json:"slab"`
	Index string `json:"index"`
}

type ListEventsRequest struct {
	Slab         string `json:"slab,omitempty"`
	FromSequence int64  `json:"from_sequence"`
	Limit        int    `json:"limit,omitempty"`
}

type ListEventsResponse struct {
	Events []query.EventResponse `json:"events"`
}

type ListFundingRequest struct {
	Slab  string `json:"slab"`
	Limit int    `json:"limit,omitempty"`
}

type ListFundingResponse struct {
	History []query.FundingHistoryResponse `json:"history"`
}

type DecodeErrorRequest struct {
	Code string `json:"code"`
}

type DecodeInstructionRequest struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

type VerifyIntegrityRequest struct {
	FromSequence int64 `json:"from_sequence"`
	Limit        int   `json:"limit,omitempty"`
}

// SubmitSnapshotRequest carries one snapshot in the NATS wire format.
type SubmitSnapshotRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type SubmitSnapshotResponse struct {
	Accepted       bool   `json:"accepted"`
	Slab           string `json:"slab"`
	Slot           uint64 `json:"slot"`
	IdempotencyKey string `json:"idempotency_key"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Completed bool   `json:"completed"`
	Watermark int64  `json:"watermark"`
	Duration  string `json:"duration"`
}

type GetSystemStatusRequest struct{}

type GetSystemStatusResponse struct {
	State   string `json:"state"`
	Markets int    `json:"markets"`
	Uptime  string `json:"uptime"`
}

// ============================================================================
// QueryService implementation
// ============================================================================

type queryServer struct {
	qs        *query.QueryService
	ingest    *ingestion.GRPCIngestService
	db        *sql.DB
	funding   *projection.FundingHistoryProjection
	startTime time.Time
}

func (s *queryServer) ListMarkets(ctx context.Context, _ *ListMarketsRequest) (*ListMarketsResponse, error) {
	return &ListMarketsResponse{Markets: s.qs.ListMarkets(ctx)}, nil
}

func (s *queryServer) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	return s.qs.GetMarket(ctx, req.Slab)
}

func (s *queryServer) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	accounts, err := s.qs.ListAccounts(ctx, req.Slab, req.Kind)
	if err != nil {
		return nil, err
	}
	return &ListAccountsResponse{Accounts: accounts}, nil
}

func (s *queryServer) GetPosition(ctx context.Context, req *PositionRequest) (*query.AccountResponse, error) {
	return s.qs.GetPosition(ctx, req.Slab, req.Index)
}

func (s *queryServer) GetConfig(ctx context.Context, req *MarketRequest) (*query.ConfigResponse, error) {
	return s.qs.GetConfig(ctx, req.Slab)
}

func (s *queryServer) GetNonce(ctx context.Context, req *MarketRequest) (*query.NonceResponse, error) {
	return s.qs.GetNonce(ctx, req.Slab)
}

func (s *queryServer) GetLiquidations(ctx context.Context, req *MarketRequest) (*query.LiquidationsResponse, error) {
	return s.qs.GetLiquidations(ctx, req.Slab)
}

func (s *queryServer) GetInsurance(ctx context.Context, req *MarketRequest) (*query.InsuranceResponse, error) {
	return s.qs.GetInsurance(ctx, req.Slab)
}

func (s *queryServer) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	events, err := s.qs.ListEvents(ctx, req.Slab, req.FromSequence, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListEventsResponse{Events: events}, nil
}

func (s *queryServer) ListFunding(ctx context.Context, req *ListFundingRequest) (*ListFundingResponse, error) {
	history, err := s.qs.ListFunding(ctx, req.Slab, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListFundingResponse{History: history}, nil
}

func (s *queryServer) DecodeError(_ context.Context, req *DecodeErrorRequest) (*query.ErrorDecodeResponse, error) {
	return s.qs.DecodeError(req.Code)
}

func (s *queryServer) AuditCompute(_ context.Context, req *query.AuditRequest) (*query.ComputeAuditResponse, error) {
	return s.qs.AuditCompute(*req)
}

func (s *queryServer) DecodeInstruction(_ context.Context, req *DecodeInstructionRequest) (*query.InstructionResponse, error) {
	return s.qs.DecodeInstruction(req.Data, req.Encoding)
}

func (s *queryServer) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	return s.qs.VerifyIntegrity(ctx, req.FromSequence, req.Limit)
}

func (s *queryServer) SubmitSnapshot(ctx context.Context, req *SubmitSnapshotRequest) (*SubmitSnapshotResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "snapshot submission is disabled")
	}
	if len(req.Snapshot) == 0 {
		return nil, status.Error(codes.InvalidArgument, "snapshot is required")
	}
	snap, err := s.ingest.SubmitSnapshot(ctx, req.Snapshot)
	if err != nil {
		return nil, err
	}
	return &SubmitSnapshotResponse{
		Accepted:       true,
		Slab:           snap.Slab.String(),
		Slot:           snap.Slot,
		IdempotencyKey: snap.IdempotencyKey(),
	}, nil
}

func (s *queryServer) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: projections are not configured", query.ErrUnavailable)
	}
	start := time.Now()
	if err := projection.RebuildProjections(ctx, s.db, s.funding); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	wm, err := projection.LoadWatermark(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return &RebuildProjectionsResponse{
		Completed: true,
		Watermark: wm,
		Duration:  time.Since(start).String(),
	}, nil
}

func (s *queryServer) GetSystemStatus(ctx context.Context, _ *GetSystemStatusRequest) (*GetSystemStatusResponse, error) {
	return &GetSystemStatusResponse{
		State:   "ready",
		Markets: s.qs.Store().Len(),
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
	}, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

type queryServiceServer interface {
	ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error)
	GetMarket(context.Context, *MarketRequest) (*query.MarketResponse, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*queryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListMarkets", (*queryServer).ListMarkets),
		unary("GetMarket", (*queryServer).GetMarket),
		unary("ListAccounts", (*queryServer).ListAccounts),
		unary("GetPosition", (*queryServer).GetPosition),
		unary("GetConfig", (*queryServer).GetConfig),
		unary("GetNonce", (*queryServer).GetNonce),
		unary("GetLiquidations", (*queryServer).GetLiquidations),
		unary("GetInsurance", (*queryServer).GetInsurance),
		unary("ListEvents", (*queryServer).ListEvents),
		unary("ListFunding", (*queryServer).ListFunding),
		unary("DecodeError", (*queryServer).DecodeError),
		unary("AuditCompute", (*queryServer).AuditCompute),
		unary("DecodeInstruction", (*queryServer).DecodeInstruction),
		unary("VerifyIntegrity", (*queryServer).VerifyIntegrity),
		unary("SubmitSnapshot", (*queryServer).SubmitSnapshot),
		unary("RebuildProjections", (*queryServer).RebuildProjections),
		unary("GetSystemStatus", (*queryServer).GetSystemStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "percolator/query/v1/query.proto",
}

// unary adapts a typed method into a gRPC method handler. Errors from the
// query layer are translated to status codes.
func unary[Req, Resp any](name string, fn func(*queryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	call := func(srv any, ctx context.Context, req any) (any, error) {
		resp, err := fn(srv.(*queryServer), ctx, req.(*Req))
		if err != nil {
			return nil, toStatus(err)
		}
		return resp, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			if interceptor == nil {
				return call(srv, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req)
			})
		},
	}
}

// toStatus maps query and ingestion errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrInvalidArgument), errors.Is(err, ingestion.ErrMalformedSnapshot):
		code = codes.InvalidArgument
	case errors.Is(err, query.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(m, methodName(info.FullMethod), status.Code(err), time.Since(start))
		return resp, err
	}
}

func observe(m *observability.Metrics, method string, code codes.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(method, code.String()).Inc()
	m.QueryDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if code != codes.OK {
		m.QueryErrors.WithLabelValues(method, code.String()).Inc()
	}
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
