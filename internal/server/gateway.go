package server

import (
	"Percolator/internal/query"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 8 << 20

// route binds an HTTP method and path template to a query method.
type route struct {
	method string
	path   string
	name   string
	call   func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// newHTTPHandler builds the JSON gateway on a grpc-gateway mux and mounts
// health probes and the websocket feed beside it.
func newHTTPHandler(s *queryServer, deps *ServerDeps) (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes(s) {
		if err := mux.HandlePath(rt.method, rt.path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.call(r.Context(), r, params)
			code := status.Code(toStatus(err))
			observe(deps.Metrics, rt.name, code, time.Since(start))
			if err != nil {
				writeError(w, toStatus(err))
				return
			}
			writeJSON(w, http.StatusOK, resp)
		}); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Hub != nil {
		httpMux.HandleFunc("/ws/markets", deps.Hub.HandleConnection)
	}
	httpMux.Handle("/", mux)

	return accessLog(deps.Logger, httpMux), nil
}

func routes(s *queryServer) []route {
	return []route{
		{"GET", "/v1/markets", "ListMarkets", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.ListMarkets(ctx, &ListMarketsRequest{})
		}},
		{"GET", "/v1/markets/{slab}", "GetMarket", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetMarket(ctx, &MarketRequest{Slab: p["slab"]})
		}},
		{"GET", "/v1/markets/{slab}/accounts", "ListAccounts", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.ListAccounts(ctx, &ListAccountsRequest{Slab: p["slab"], Kind: r.URL.Query().Get("kind")})
		}},
		{"GET", "/v1/markets/{slab}/positions/{index}", "GetPosition", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetPosition(ctx, &PositionRequest{Slab: p["slab"], Index: p["index"]})
		}},
		{"GET", "/v1/markets/{slab}/config", "GetConfig", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetConfig(ctx, &MarketRequest{Slab: p["slab"]})
		}},
		{"GET", "/v1/markets/{slab}/nonce", "GetNonce", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetNonce(ctx, &MarketRequest{Slab: p["slab"]})
		}},
		{"GET", "/v1/markets/{slab}/liquidations", "GetLiquidations", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetLiquidations(ctx, &MarketRequest{Slab: p["slab"]})
		}},
		{"GET", "/v1/markets/{slab}/insurance", "GetInsurance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetInsurance(ctx, &MarketRequest{Slab: p["slab"]})
		}},
		{"GET", "/v1/markets/{slab}/events", "ListEvents", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			from, limit, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return s.ListEvents(ctx, &ListEventsRequest{Slab: p["slab"], FromSequence: from, Limit: limit})
		}},
		{"GET", "/v1/events", "ListEvents", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			from, limit, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return s.ListEvents(ctx, &ListEventsRequest{FromSequence: from, Limit: limit})
		}},
		{"GET", "/v1/markets/{slab}/funding", "ListFunding", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			_, limit, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return s.ListFunding(ctx, &ListFundingRequest{Slab: p["slab"], Limit: limit})
		}},
		{"GET", "/v1/tx/decode-error/{code}", "DecodeError", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.DecodeError(ctx, &DecodeErrorRequest{Code: p["code"]})
		}},
		{"POST", "/v1/tx/audit-cu", "AuditCompute", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req query.AuditRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return s.AuditCompute(ctx, &req)
		}},
		{"POST", "/v1/instructions/decode", "DecodeInstruction", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req DecodeInstructionRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return s.DecodeInstruction(ctx, &req)
		}},
		{"POST", "/v1/snapshots", "SubmitSnapshot", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return s.SubmitSnapshot(ctx, &SubmitSnapshotRequest{Snapshot: body})
		}},
		{"POST", "/v1/admin/verify-integrity", "VerifyIntegrity", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			from, limit, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return s.VerifyIntegrity(ctx, &VerifyIntegrityRequest{FromSequence: from, Limit: limit})
		}},
		{"POST", "/v1/admin/rebuild-projections", "RebuildProjections", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.RebuildProjections(ctx, &RebuildProjectionsRequest{})
		}},
		{"GET", "/v1/admin/status", "GetSystemStatus", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return s.GetSystemStatus(ctx, &GetSystemStatusRequest{})
		}},
	}
}

// pageParams reads from_sequence and limit from the query string.
func pageParams(r *http.Request) (from int64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("from_sequence"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, status.Errorf(codes.InvalidArgument, "from_sequence: %q is not an integer", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, status.Errorf(codes.InvalidArgument, "limit: %q is not an integer", v)
		}
	}
	return from, limit, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websocket
// upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func accessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
