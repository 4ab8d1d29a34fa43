package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/internal/matchmaking"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	claimsContextKey  = "auth_claims"
	houseBootstrapKey = "house-bootstrap:%s"
	shutdownTimeout   = 5 * time.Second
)

// LedgerService is the ledger surface the server needs.
type LedgerService interface {
	matchmaking.Gateway
	matchmaking.BalanceReader
	Deposit(ctx context.Context, userID ledger.UserID, kind ledger.BalanceKind, amount ledger.PositiveAmountMinor, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) error
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	resolver matchmaking.Resolver
}

// WithResolver replaces the crypto-random game rules.
func WithResolver(resolver matchmaking.Resolver) ServerOption {
	return func(options *serverOptions) {
		if resolver != nil {
			options.resolver = resolver
		}
	}
}

// Server exposes matchmaking over websockets and the wallet over HTTP.
type Server struct {
	cfg         Config
	logger      *zap.Logger
	ledger      LedgerService
	loop        *matchmaking.EventLoop
	engine      *matchmaking.Engine
	coordinator *matchmaking.Coordinator
	notifier    *matchmaking.RegistryNotifier
	identity    *IdentityResolver
	validator   *sessionvalidator.Validator
	upgrader    websocket.Upgrader
	health      *health.Server
	router      *gin.Engine

	connections sync.Map
}

// NewServer wires the matchmaking core to its transports.
func NewServer(cfg Config, ledgerService LedgerService, logger *zap.Logger, options ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledgerService == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := serverOptions{resolver: game.NewRules(game.CryptoSource{})}
	for _, option := range options {
		if option != nil {
			option(&settings)
		}
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	loop := matchmaking.NewEventLoop(cfg.EventLoopCapacity, logger.Named("loop"))
	registry := matchmaking.NewRegistry()
	notifier := matchmaking.NewRegistryNotifier(registry, ledgerService, logger.Named("notifier"))
	engine, err := matchmaking.NewEngine(ledgerService, settings.resolver, loop,
		matchmaking.WithEngineLogger(logger.Named("engine")),
		matchmaking.WithResolveDelay(cfg.ResolveDelay),
		matchmaking.WithLedgerTimeout(cfg.LedgerTimeout),
		matchmaking.WithBalanceNotifier(notifier),
	)
	if err != nil {
		return nil, err
	}
	pool := matchmaking.NewPool(matchmaking.WithPoolLogger(logger.Named("pool")))
	coordinator, err := matchmaking.NewCoordinator(registry, pool, engine, loop,
		matchmaking.WithCoordinatorLogger(logger.Named("coordinator")),
		matchmaking.WithQueueIdleTimeout(cfg.QueueIdleTimeout),
	)
	if err != nil {
		return nil, err
	}

	server := &Server{
		cfg:         cfg,
		logger:      logger,
		ledger:      ledgerService,
		loop:        loop,
		engine:      engine,
		coordinator: coordinator,
		notifier:    notifier,
		identity:    NewIdentityResolver(cfg),
		validator:   sessionValidator,
		health:      health.NewServer(),
	}
	server.upgrader = websocket.Upgrader{CheckOrigin: server.checkOrigin}
	server.router = server.setupRouter()
	return server, nil
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

// RegisterHealth registers the gRPC health service on grpcServer.
func (server *Server) RegisterHealth(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, server.health)
}

// Run serves HTTP, gRPC health and the event loop until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", server.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcListener, err := net.Listen("tcp", server.cfg.GRPCListenAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}
	return server.Serve(ctx, httpListener, grpcListener)
}

// Serve is Run over caller supplied listeners.
func (server *Server) Serve(ctx context.Context, httpListener net.Listener, grpcListener net.Listener) error {
	httpServer := &http.Server{Handler: server.router, ReadHeaderTimeout: 10 * time.Second}
	grpcServer := grpc.NewServer()
	server.RegisterHealth(grpcServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.loop.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		server.logger.Info("http server listening", zap.String("addr", httpListener.Addr().String()))
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		server.logger.Info("grpc health listening", zap.String("addr", grpcListener.Addr().String()))
		server.health.Resume()
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		server.logger.Info("shutdown requested")
		server.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			server.logger.Warn("http shutdown error", zap.Error(err))
		}
		<-server.loop.Done()
		if err := server.engine.Drain(shutdownCtx); err != nil {
			server.logger.Error("sessions left unsettled", zap.Error(err))
		}
		server.closeConnections(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})
	return group.Wait()
}

// Loop exposes the event loop; tests run it directly alongside Handler.
func (server *Server) Loop() *matchmaking.EventLoop {
	return server.loop
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", server.handleWebSocket)

	api := router.Group("/api")
	api.Use(server.validator.GinMiddleware(claimsContextKey))
	api.GET("/session", server.handleSession)
	api.GET("/wallet", server.handleWallet)
	api.POST("/house-balance/bootstrap", server.handleHouseBootstrap)

	return router
}

func (server *Server) handleWebSocket(ctx *gin.Context) {
	userID := server.identity.Resolve(ctx.Request)
	conn, err := server.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		server.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	connection := newWSConnection(conn, server.cfg.WriteTimeout, server.logger.Named("websocket"))
	participant := &matchmaking.Participant{
		ConnectionID: matchmaking.ConnectionID(uuid.NewString()),
		UserID:       userID,
		Conn:         connection,
	}
	server.connections.Store(participant.ConnectionID, connection)
	defer server.connections.Delete(participant.ConnectionID)
	defer func() { _ = connection.Close() }()

	if err := server.post(func(context.Context) { server.coordinator.HandleConnect(participant) }); err != nil {
		return
	}
	defer func() {
		_ = server.post(func(context.Context) { server.coordinator.HandleDisconnect(participant.ConnectionID) })
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				server.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if err := server.post(func(loopCtx context.Context) {
			server.coordinator.HandleMessage(loopCtx, participant.ConnectionID, payload)
		}); err != nil {
			return
		}
	}
}

func (server *Server) post(task matchmaking.Task) error {
	return server.loop.Post(context.Background(), task)
}

// closeConnections lets every writer flush its outbox until ctx expires, then
// drops whatever is left.
func (server *Server) closeConnections(ctx context.Context) {
	var closing []*wsConnection
	server.connections.Range(func(_, value any) bool {
		if connection, ok := value.(*wsConnection); ok {
			_ = connection.Close()
			closing = append(closing, connection)
		}
		return true
	})
	for _, connection := range closing {
		select {
		case <-connection.done():
		case <-ctx.Done():
			_ = connection.abort()
		}
	}
}

func (server *Server) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range server.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, request.Host)
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	server.respondWithWallet(ctx, userID)
}

func (server *Server) handleHouseBootstrap(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	amount, err := server.cfg.HouseBootstrapMinor()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("config_error", "bootstrap amount unavailable"))
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(fmt.Sprintf(houseBootstrapKey, userID.String()))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id rejected"))
		return
	}
	metadata, err := ledger.NewMetadataJSON(marshalMetadata(map[string]string{"action": "house_bootstrap"}))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "metadata rejected"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.LedgerTimeout)
	defer cancel()
	err = server.ledger.Deposit(requestCtx, userID, ledger.BalanceTest, amount, idempotencyKey, metadata)
	granted := err == nil
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		server.logger.Error("house bootstrap failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "grant failed"))
		return
	}
	if granted {
		if postErr := server.post(func(loopCtx context.Context) { server.notifier.BalanceChanged(loopCtx, userID) }); postErr != nil {
			server.logger.Debug("balance push skipped", zap.Error(postErr))
		}
	}
	wallet, err := server.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"granted": granted, "wallet": wallet})
}

func (server *Server) requireUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user id"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (server *Server) respondWithWallet(ctx *gin.Context, userID ledger.UserID) {
	wallet, err := server.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (server *Server) fetchWallet(ctx context.Context, userID ledger.UserID) (*walletResponse, error) {
	balanceCtx, cancel := context.WithTimeout(ctx, server.cfg.LedgerTimeout)
	defer cancel()
	balance, err := server.ledger.Balance(balanceCtx, userID)
	if err != nil {
		return nil, err
	}

	entriesCtx, entriesCancel := context.WithTimeout(ctx, server.cfg.LedgerTimeout)
	defer entriesCancel()
	entries, err := server.ledger.ListEntries(entriesCtx, userID, 0, walletHistoryLimit)
	if err != nil {
		return nil, err
	}

	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload := entryPayload{
			EntryID:        entry.EntryID().String(),
			Type:           entry.Type().String(),
			BalanceKind:    entry.BalanceKind().String(),
			Amount:         ledger.FormatMinor(entry.Amount().Int64()),
			AmountMinor:    entry.Amount().Int64(),
			IdempotencyKey: entry.IdempotencyKey().String(),
			Metadata:       json.RawMessage(entry.MetadataJSON().String()),
			CreatedUnixUTC: entry.CreatedUnixUTC(),
		}
		if sessionID, ok := entry.SessionID(); ok {
			payload.SessionID = sessionID.String()
		}
		payloads = append(payloads, payload)
	}

	return &walletResponse{
		Balance: balancePayload{
			Real:      ledger.FormatMinor(balance.Real.Int64()),
			RealMinor: balance.Real.Int64(),
			Test:      ledger.FormatMinor(balance.Test.Int64()),
			TestMinor: balance.Test.Int64(),
		},
		Entries: payloads,
	}, nil
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type walletResponse struct {
	Balance balancePayload `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type balancePayload struct {
	Real      string `json:"real"`
	RealMinor int64  `json:"real_minor"`
	Test      string `json:"test"`
	TestMinor int64  `json:"test_minor"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	BalanceKind    string          `json:"balance_kind"`
	Amount         string          `json:"amount"`
	AmountMinor    int64           `json:"amount_minor"`
	SessionID      string          `json:"session_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
