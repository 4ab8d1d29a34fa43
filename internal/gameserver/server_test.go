package gameserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/internal/matchmaking"
	"github.com/MarkoPoloResearchLab/wager/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"gorm.io/gorm"
)

const bufconnSize = 1 << 20

type headsSource struct{}

func (headsSource) Intn(int) (int, error) { return 0, nil }

func TestHealthzIsPublic(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)

	response, err := http.Get(httpServer.URL + "/healthz")
	if err != nil {
		test.Fatalf("healthz request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestWalletRequiresSession(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)

	response, err := http.Get(httpServer.URL + "/api/wallet")
	if err != nil {
		test.Fatalf("wallet request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestHouseBootstrapGrantsOnce(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	startLoop(test, server)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)
	cookie := sessionCookie(test, "demo-user")

	first := execRequest(test, httpServer, http.MethodPost, "/api/house-balance/bootstrap", cookie)
	if !first.Granted {
		test.Fatalf("expected first bootstrap to grant")
	}
	if first.Wallet.Balance.TestMinor != 10*ledger.MinorUnitsPerMajor || first.Wallet.Balance.Test != "10" {
		test.Fatalf("unexpected test balance: %+v", first.Wallet.Balance)
	}
	if first.Wallet.Balance.RealMinor != 0 {
		test.Fatalf("real balance must stay untouched: %+v", first.Wallet.Balance)
	}

	second := execRequest(test, httpServer, http.MethodPost, "/api/house-balance/bootstrap", cookie)
	if second.Granted {
		test.Fatalf("expected repeated bootstrap to be a no-op")
	}
	if second.Wallet.Balance.TestMinor != 10*ledger.MinorUnitsPerMajor {
		test.Fatalf("repeated bootstrap changed balance: %+v", second.Wallet.Balance)
	}

	wallet := execRequest(test, httpServer, http.MethodGet, "/api/wallet", cookie)
	if len(wallet.Wallet.Entries) != 1 {
		test.Fatalf("expected one deposit entry, got %d", len(wallet.Wallet.Entries))
	}
	entry := wallet.Wallet.Entries[0]
	if entry.Type != "DEPOSIT" || entry.BalanceKind != "test" || entry.IdempotencyKey != "house-bootstrap:demo-user" {
		test.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestWebSocketHouseGameRoundTrip(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test, WithResolver(game.NewRules(headsSource{})))
	startLoop(test, server)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)
	cookie := sessionCookie(test, "demo-user")

	execRequest(test, httpServer, http.MethodPost, "/api/house-balance/bootstrap", cookie)

	conn := dialWebSocket(test, httpServer, cookie)
	connected := readUntil(test, conn, matchmaking.KindConnected)
	if connected.ParticipantID != "demo-user" {
		test.Fatalf("expected participant id demo-user, got %q", connected.ParticipantID)
	}

	writeJSON(test, conn, map[string]any{"kind": "FIND_MATCH", "gameKind": "coinflip", "stake": "1", "side": "heads", "useHouseBalance": true})
	found := readUntil(test, conn, matchmaking.KindMatchFound)
	if found.House == nil || !*found.House || found.SessionID == "" {
		test.Fatalf("unexpected MATCH_FOUND: %+v", found)
	}
	result := readUntil(test, conn, matchmaking.KindGameResult)
	if result.Verdict != game.VerdictWin || result.Payout != "2" || result.Outcome != "heads" {
		test.Fatalf("unexpected GAME_RESULT: %+v", result)
	}
	update := readUntil(test, conn, matchmaking.KindBalanceUpdate)
	if update.TestBalance != "11" {
		test.Fatalf("expected pushed test balance 11, got %+v", update)
	}

	wallet := execRequest(test, httpServer, http.MethodGet, "/api/wallet", cookie)
	if wallet.Wallet.Balance.TestMinor != 11*ledger.MinorUnitsPerMajor {
		test.Fatalf("expected test balance 11, got %+v", wallet.Wallet.Balance)
	}
}

func TestWebSocketGuestCannotWager(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	startLoop(test, server)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)

	conn := dialWebSocket(test, httpServer, nil)
	connected := readUntil(test, conn, matchmaking.KindConnected)
	if connected.ParticipantID != "" {
		test.Fatalf("guest must not receive a participant id: %+v", connected)
	}
	writeJSON(test, conn, map[string]any{"kind": "FIND_MATCH", "gameKind": "highcard", "stake": "1"})
	message := readUntil(test, conn, matchmaking.KindError)
	if message.Code != matchmaking.CodeNotAuthenticated {
		test.Fatalf("expected not_authenticated, got %+v", message)
	}
}

func TestWebSocketRejectsForeignOrigin(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	startLoop(test, server)
	httpServer := httptest.NewServer(server.Handler())
	test.Cleanup(httpServer.Close)

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, response, err := websocket.DefaultDialer.Dial(wsURL(httpServer), header)
	if err == nil {
		test.Fatalf("expected foreign origin to be rejected")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		test.Fatalf("expected 403, got %+v", response)
	}
}

func TestHealthServiceOverBufconn(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	server.RegisterHealth(grpcServer)
	go func() { _ = grpcServer.Serve(listener) }()
	test.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("grpc client: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		test.Fatalf("health check: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %s", response.GetStatus())
	}

	server.health.Shutdown()
	response, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		test.Fatalf("health check after shutdown: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING, got %s", response.GetStatus())
	}
}

func TestServeStopsOnCancel(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen http: %v", err)
	}
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen grpc: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- server.Serve(ctx, httpListener, grpcListener) }()

	waitForHealthy(test, "http://"+httpListener.Addr().String()+"/healthz")
	cancel()
	select {
	case err := <-finished:
		if err != nil {
			test.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		test.Fatalf("serve did not stop")
	}
}

func TestServeSettlesPendingSessionsOnShutdown(test *testing.T) {
	test.Parallel()
	service := newTestLedger(test)
	cfg := testConfig()
	cfg.ResolveDelay = time.Hour
	server, err := NewServer(cfg, service, zap.NewNop(), WithResolver(game.NewRules(headsSource{})))
	if err != nil {
		test.Fatalf("server init: %v", err)
	}
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen http: %v", err)
	}
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen grpc: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- server.Serve(ctx, httpListener, grpcListener) }()
	baseURL := "http://" + httpListener.Addr().String()
	waitForHealthy(test, baseURL+"/healthz")

	cookie := sessionCookie(test, "demo-user")
	request, err := http.NewRequest(http.MethodPost, baseURL+"/api/house-balance/bootstrap", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(cookie)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		test.Fatalf("bootstrap request: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("bootstrap status %d", response.StatusCode)
	}

	header := http.Header{}
	header.Set("Cookie", cookie.String())
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+httpListener.Addr().String()+"/ws", header)
	if err != nil {
		test.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	readUntil(test, conn, matchmaking.KindConnected)
	writeJSON(test, conn, map[string]any{"kind": "FIND_MATCH", "gameKind": "coinflip", "stake": "1", "side": "heads", "useHouseBalance": true})
	readUntil(test, conn, matchmaking.KindMatchFound)

	cancel()
	select {
	case err := <-finished:
		if err != nil {
			test.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		test.Fatalf("serve did not stop")
	}

	userID, _ := ledger.NewUserID("demo-user")
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Test.Int64() != 11*ledger.MinorUnitsPerMajor {
		test.Fatalf("expected settled test balance 11, got %d", balance.Test)
	}
	result := readUntil(test, conn, matchmaking.KindGameResult)
	if result.Verdict != game.VerdictWin {
		test.Fatalf("unexpected GAME_RESULT: %+v", result)
	}
}

func TestNewServerRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	if _, err := NewServer(Config{}, newTestLedger(test), nil); err == nil {
		test.Fatalf("expected config error")
	}
	if _, err := NewServer(testConfig(), nil, nil); err == nil {
		test.Fatalf("expected ledger error")
	}
}

func newTestServer(test *testing.T, options ...ServerOption) (*Server, *ledger.Service) {
	test.Helper()
	service := newTestLedger(test)
	server, err := NewServer(testConfig(), service, zap.NewNop(), options...)
	if err != nil {
		test.Fatalf("server init: %v", err)
	}
	return server, service
}

func newTestLedger(test *testing.T) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/wager.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() }, ledger.WithOperationLogger(NewZapOperationLogger(zap.NewNop())))
	if err != nil {
		test.Fatalf("ledger init: %v", err)
	}
	return service
}

func startLoop(test *testing.T, server *Server) {
	test.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Loop().Run(ctx) }()
	test.Cleanup(func() {
		cancel()
		<-server.Loop().Done()
	})
}

func sessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	cfg := testConfig()
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signSessionToken(test, cfg, userID, cfg.SessionIssuer, time.Hour)}
}

type walletEnvelope struct {
	Granted bool           `json:"granted"`
	Wallet  walletResponse `json:"wallet"`
}

func execRequest(test *testing.T, server *httptest.Server, method string, path string, cookie *http.Cookie) walletEnvelope {
	test.Helper()
	request, err := http.NewRequest(method, server.URL+path, nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(cookie)
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("unexpected status code for %s %s: %d", method, path, response.StatusCode)
	}
	var envelope walletEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		test.Fatalf("failed to decode response: %v", err)
	}
	return envelope
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialWebSocket(test *testing.T, server *httptest.Server, cookie *http.Cookie) *websocket.Conn {
	test.Helper()
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		test.Fatalf("websocket dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(test *testing.T, conn *websocket.Conn, payload map[string]any) {
	test.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		test.Fatalf("websocket write: %v", err)
	}
}

// readUntil skips messages of other kinds until kind arrives.
func readUntil(test *testing.T, conn *websocket.Conn, kind matchmaking.MessageKind) matchmaking.Outbound {
	test.Helper()
	deadline := time.Now().Add(5 * time.Second)
	if err := conn.SetReadDeadline(deadline); err != nil {
		test.Fatalf("read deadline: %v", err)
	}
	for {
		var message matchmaking.Outbound
		if err := conn.ReadJSON(&message); err != nil {
			test.Fatalf("waiting for %s: %v", kind, err)
		}
		if message.Kind == kind {
			return message
		}
	}
}

func waitForHealthy(test *testing.T, url string) {
	test.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		response, err := http.Get(url)
		if err == nil {
			_ = response.Body.Close()
			if response.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	test.Fatalf("server never became healthy at %s", url)
}
