package server_test

import (
	"Percolator/internal/abi"
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/query"
	"Percolator/internal/server"
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	slabA = testutil.Key(0x42)
	slabB = testutil.Key(0x43)
)

func marketBytes(t *testing.T) []byte {
	t.Helper()
	return testutil.NewSlabBuilder(t, slab.CapacitySmall).
		Admin(testutil.Key(0xad)).
		Nonce(3).
		Prices(2_000_000, 2_000_000, false).
		Margins(500, 1000).
		Crank(500, 1).
		User(1, testutil.Key(1), 5_000_000, 1_000_000, 2_000_000).
		Bytes()
}

func output(t *testing.T, key solana.PublicKey) core.CoreOutput {
	t.Helper()
	persist := make(chan core.CoreOutput, 1)
	p := core.NewSnapshotProcessor(0, 0, persist, nil, nil, 16, nil)
	if err := p.ProcessSnapshot(&event.SlabSnapshot{
		Slab:      key,
		Slot:      900,
		Data:      marketBytes(t),
		FetchedAt: time.Unix(1_700_000_000, 0).UTC(),
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	return <-persist
}

type fixture struct {
	srv     *server.GRPCServer
	hub     *server.MarketHub
	health  *observability.HealthChecker
	metrics *observability.Metrics
	queue   chan ingestion.RawSnapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := query.NewLatestStore()
	store.Update(output(t, slabA))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker()
	hub := server.NewMarketHub(metrics, zerolog.Nop())
	queue := make(chan ingestion.RawSnapshot, 1)

	srv, err := server.NewGRPCServer("", "", &server.ServerDeps{
		QueryService:  query.NewQueryService(store, nil, nil),
		IngestService: ingestion.NewGRPCIngestService(queue),
		Hub:           hub,
		StartTime:     time.Now(),
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{srv: srv, hub: hub, health: health, metrics: metrics, queue: queue}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_Markets(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	var m query.MarketResponse
	if code := getJSON(t, ts.URL+"/v1/markets/"+slabA.String(), &m); code != http.StatusOK {
		t.Fatalf("got status %d, want 200", code)
	}
	if m.Slab != slabA.String() || m.Nonce != 3 || m.MarkPrice != "2" {
		t.Errorf("got market %+v", m)
	}

	var list server.ListMarketsResponse
	getJSON(t, ts.URL+"/v1/markets", &list)
	if len(list.Markets) != 1 {
		t.Errorf("got %d markets, want 1", len(list.Markets))
	}

	var accounts server.ListAccountsResponse
	getJSON(t, ts.URL+"/v1/markets/"+slabA.String()+"/accounts?kind=user", &accounts)
	if len(accounts.Accounts) != 1 || accounts.Accounts[0].Side != "long" {
		t.Errorf("got accounts %+v", accounts.Accounts)
	}

	var pos query.AccountResponse
	if code := getJSON(t, ts.URL+"/v1/markets/"+slabA.String()+"/positions/1", &pos); code != http.StatusOK || pos.Index != 1 {
		t.Errorf("position: status %d body %+v", code, pos)
	}

	if got := promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("GetMarket", "OK")); got != 1 {
		t.Errorf("GetMarket requests: got %v, want 1", got)
	}
}

func TestGateway_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	tests := []struct {
		path string
		code int
		name string
	}{
		{"/v1/markets/" + slabB.String(), http.StatusNotFound, "NotFound"},
		{"/v1/markets/not-a-key", http.StatusBadRequest, "InvalidArgument"},
		{"/v1/markets/" + slabA.String() + "/positions/9", http.StatusNotFound, "NotFound"},
		{"/v1/markets/" + slabA.String() + "/accounts?kind=whale", http.StatusBadRequest, "InvalidArgument"},
		{"/v1/events", http.StatusServiceUnavailable, "Unavailable"},
		{"/v1/events?from_sequence=x", http.StatusBadRequest, "InvalidArgument"},
		{"/v1/markets/" + slabA.String() + "/funding", http.StatusServiceUnavailable, "Unavailable"},
	}
	for _, tt := range tests {
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if code := getJSON(t, ts.URL+tt.path, &body); code != tt.code || body.Code != tt.name {
			t.Errorf("%s: got %d %s, want %d %s", tt.path, code, body.Code, tt.code, tt.name)
		}
	}

	if got := promtest.ToFloat64(f.metrics.QueryErrors.WithLabelValues("GetMarket", "NotFound")); got != 1 {
		t.Errorf("GetMarket NotFound errors: got %v, want 1", got)
	}
}

func TestGateway_Tools(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	var decoded query.ErrorDecodeResponse
	getJSON(t, ts.URL+"/v1/tx/decode-error/0xe", &decoded)
	if decoded.Code != 14 || decoded.Name != "EngineUndercollateralized" {
		t.Errorf("got %+v", decoded)
	}

	var audit query.ComputeAuditResponse
	code := postJSON(t, ts.URL+"/v1/tx/audit-cu", `{"command":"init-user","consumed":45000}`, &audit)
	if code != http.StatusOK || audit.Budget != 30_000 || audit.Status != "OVER BUDGET" || audit.PercentUsed != "150.0" {
		t.Errorf("audit: status %d body %+v", code, audit)
	}

	if code := postJSON(t, ts.URL+"/v1/tx/audit-cu", `{"command":"x","bogus":1}`, nil); code != http.StatusBadRequest {
		t.Errorf("unknown field: got %d, want 400", code)
	}

	data := hex.EncodeToString(abi.MustEncode(&abi.KeeperCrank{CallerIdx: 65535, AllowPanic: true}))
	var ix struct {
		Kind    string          `json:"kind"`
		Command string          `json:"command"`
		Args    abi.KeeperCrank `json:"args"`
	}
	code = postJSON(t, ts.URL+"/v1/instructions/decode", `{"data":"`+data+`","encoding":"hex"}`, &ix)
	if code != http.StatusOK || ix.Kind != "KeeperCrank" || ix.Command != "keeper-crank" {
		t.Errorf("decode: status %d body %+v", code, ix)
	}
	if ix.Args.CallerIdx != 65535 || !ix.Args.AllowPanic {
		t.Errorf("got args %+v", ix.Args)
	}

	if code := postJSON(t, ts.URL+"/v1/instructions/decode", `{"data":"ff","encoding":"hex"}`, nil); code != http.StatusBadRequest {
		t.Errorf("unknown tag: got %d, want 400", code)
	}
}

func TestGateway_SubmitSnapshot(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	_, payload, err := ingestion.EncodeSnapshot(&event.SlabSnapshot{
		Slab:      slabB,
		Slot:      1_234,
		Data:      marketBytes(t),
		FetchedAt: time.Unix(1_700_000_000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var resp server.SubmitSnapshotResponse
	if code := postJSON(t, ts.URL+"/v1/snapshots", string(payload), &resp); code != http.StatusOK {
		t.Fatalf("got status %d, want 200", code)
	}
	if !resp.Accepted || resp.Slot != 1_234 || resp.IdempotencyKey != slabB.String()+":1234" {
		t.Errorf("got %+v", resp)
	}
	select {
	case raw := <-f.queue:
		if string(raw.Data) != string(payload) {
			t.Error("queued payload differs from submitted payload")
		}
	default:
		t.Fatal("snapshot was not queued")
	}

	if code := postJSON(t, ts.URL+"/v1/snapshots", `{"slab":"x","slot":1}`, nil); code != http.StatusBadRequest {
		t.Errorf("malformed: got %d, want 400", code)
	}
}

func TestGateway_Health(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz: got %d", code)
	}
	if code := getJSON(t, ts.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: got %d", code)
	}
	f.health.SetReady(true)
	if code := getJSON(t, ts.URL+"/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz after ready: got %d", code)
	}
}

// ============================================================================
// Test: gRPC
// ============================================================================

func TestGRPC_QueryService(t *testing.T) {
	f := newFixture(t)

	lis := bufconn.Listen(1 << 20)
	go f.srv.GRPC().Serve(lis)
	defer f.srv.GRPC().Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	method := "/" + server.ServiceName + "/"
	var m query.MarketResponse
	if err := conn.Invoke(ctx, method+"GetMarket", &server.MarketRequest{Slab: slabA.String()}, &m,
		grpc.CallContentSubtype(server.JSONCodecName)); err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.Nonce != 3 || m.Users != 1 {
		t.Errorf("got market %+v", m)
	}

	err = conn.Invoke(ctx, method+"GetMarket", &server.MarketRequest{Slab: slabB.String()}, &m,
		grpc.CallContentSubtype(server.JSONCodecName))
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown market: got %v, want NotFound", err)
	}

	var decoded query.ErrorDecodeResponse
	if err := conn.Invoke(ctx, method+"DecodeError", &server.DecodeErrorRequest{Code: "6"}, &decoded,
		grpc.CallContentSubtype(server.JSONCodecName)); err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if decoded.Name != "OracleStale" {
		t.Errorf("got %+v", decoded)
	}

	var integrity query.IntegrityReport
	err = conn.Invoke(ctx, method+"VerifyIntegrity", &server.VerifyIntegrityRequest{}, &integrity,
		grpc.CallContentSubtype(server.JSONCodecName))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("integrity without archive: got %v, want Unavailable", err)
	}

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if hc.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("got health %v", hc.Status)
	}

	if got := promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("DecodeError", "OK")); got != 1 {
		t.Errorf("DecodeError requests: got %v, want 1", got)
	}
}

// ============================================================================
// Test: Websocket feed
// ============================================================================

func readMessage(t *testing.T, conn *websocket.Conn) server.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg server.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestMarketHub_Subscriptions(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/markets"

	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	onlyB, _, err := websocket.DefaultDialer.Dial(wsURL+"?slab="+slabB.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer onlyB.Close()

	if msg := readMessage(t, all); msg.Type != "connected" || msg.ClientID == "" {
		t.Fatalf("got %+v, want connected", msg)
	}
	if msg := readMessage(t, onlyB); msg.Type != "connected" || len(msg.Slabs) != 1 {
		t.Fatalf("got %+v, want connected with one slab", msg)
	}
	if got := f.hub.ClientCount(); got != 2 {
		t.Errorf("got %d clients, want 2", got)
	}
	if got := promtest.ToFloat64(f.metrics.WSClients); got != 2 {
		t.Errorf("ws gauge: got %v, want 2", got)
	}

	outA, outB := output(t, slabA), output(t, slabB)
	f.hub.Publish(outA)
	f.hub.Publish(outB)

	first := readMessage(t, all)
	if first.Type != "market" || first.Market.Slab != slabA.String() {
		t.Errorf("got %+v, want market update for A", first)
	}
	if len(first.Events) == 0 || first.Events[0].EventType != "MarketUpdated" {
		t.Errorf("expected diff events on first snapshot, got %+v", first.Events)
	}
	if second := readMessage(t, all); second.Market.Slab != slabB.String() {
		t.Errorf("got %s, want B", second.Market.Slab)
	}
	if msg := readMessage(t, onlyB); msg.Market == nil || msg.Market.Slab != slabB.String() {
		t.Errorf("filtered client: got %+v, want only B", msg)
	}

	if err := onlyB.WriteJSON(server.WSMessage{Type: "subscribe", Slabs: []string{slabA.String()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, onlyB); msg.Type != "subscribed" || len(msg.Slabs) != 2 {
		t.Errorf("got %+v, want two subscriptions", msg)
	}

	// Dropping every subscription does not widen the feed to all markets.
	if err := onlyB.WriteJSON(server.WSMessage{Type: "unsubscribe", Slabs: []string{slabA.String(), slabB.String()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, onlyB); msg.Type != "subscribed" || len(msg.Slabs) != 0 {
		t.Fatalf("got %+v, want no subscriptions", msg)
	}
	f.hub.Publish(outA)
	if err := onlyB.WriteJSON(server.WSMessage{Type: "subscribe", Slabs: []string{slabB.String()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, onlyB); msg.Type != "subscribed" || len(msg.Slabs) != 1 {
		t.Fatalf("got %+v, want only B after unsubscribing all", msg)
	}
	f.hub.Publish(outB)
	if msg := readMessage(t, onlyB); msg.Market == nil || msg.Market.Slab != slabB.String() {
		t.Errorf("got %+v, want B update", msg)
	}
}
