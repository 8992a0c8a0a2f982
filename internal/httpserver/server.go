// Package httpserver exposes the points ledger and reward mall over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/mall"
	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Server is the HTTP façade over the mall and points services.
type Server struct {
	cfg    Config
	logger *zap.Logger
	mall   *mall.Service
	ledger *points.Service
	router *gin.Engine
}

// New wires a Server and its router.
func New(cfg Config, mallService *mall.Service, ledgerService *points.Service, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mallService == nil || ledgerService == nil {
		return nil, fmt.Errorf("mall and ledger services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{
		cfg:    cfg,
		logger: logger,
		mall:   mallService,
		ledger: ledgerService,
	}
	server.router = server.setupRouter(validator)
	return server, nil
}

// Router returns the configured handler, primarily for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves HTTP until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/mall/items", server.handleItems)
	api.GET("/mall/items/:itemID", server.handleItem)
	api.GET("/mall/items/:itemID/eligibility", server.handleEligibility)
	api.POST("/mall/purchases", server.handlePurchase)
	api.GET("/mall/purchases", server.handleUserPurchases)
	api.GET("/mall/summary", server.handleUserSummary)
	api.GET("/points/balance", server.handleBalance)
	api.GET("/points/transactions", server.handleTransactions)
	api.GET("/points/summary", server.handleTransactionSummary)

	admin := api.Group("/admin")
	admin.Use(server.requireRole(server.cfg.AdminRole))
	admin.GET("/mall/purchases", server.handleAdminPurchases)
	admin.POST("/mall/purchases/:purchaseID/complete", server.handleComplete)
	admin.POST("/mall/purchases/:purchaseID/cancel", server.handleCancel)
	admin.GET("/mall/statistics", server.handleStatistics)
	admin.POST("/points/adjustments", server.handleAdjust)
	admin.GET("/points/users/:userID/reconcile", server.handleReconcile)

	return router
}

func (server *Server) handleItems(ctx *gin.Context) {
	items, err := server.mall.Items(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]itemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, toItemPayload(item))
	}
	ctx.JSON(http.StatusOK, gin.H{"items": payload})
}

func (server *Server) handleItem(ctx *gin.Context) {
	item, err := server.mall.Item(ctx.Request.Context(), ctx.Param("itemID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toItemPayload(item))
}

func (server *Server) handleEligibility(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	eligible, reason, err := server.mall.CanPurchase(ctx.Request.Context(), userID, ctx.Param("itemID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"can_purchase": eligible,
		"reason":       reason,
	})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ItemID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "item_id is required"))
		return
	}
	purchase, err := server.mall.Purchase(ctx.Request.Context(), userID, request.ItemID, request.DeliveryInfo)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, toPurchasePayload(purchase))
}

func (server *Server) handleUserPurchases(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	status, ok := server.statusFilter(ctx)
	if !ok {
		return
	}
	limit, offset := pagination(ctx)
	purchases, err := server.mall.ListUserPurchases(ctx.Request.Context(), userID, status, limit, offset)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": toPurchasePayloads(purchases)})
}

func (server *Server) handleUserSummary(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	summary, err := server.mall.UserSummary(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":            points.ToDisplay(summary.Balance),
		"total_purchases":    summary.TotalPurchases,
		"total_points_spent": points.ToDisplay(summary.TotalPointsSpent),
		"recent_purchases":   toPurchasePayloads(summary.RecentPurchases),
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	balance, err := server.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": points.ToDisplay(balance),
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	limit, offset := pagination(ctx)
	transactions, err := server.ledger.ListTransactions(ctx.Request.Context(), userID, limit, offset)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, toTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleTransactionSummary(ctx *gin.Context) {
	userID, ok := server.sessionUserID(ctx)
	if !ok {
		return
	}
	stats, err := server.mall.TransactionSummary(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_transactions":    stats.TotalTransactions,
		"total_earned":          points.ToDisplay(stats.TotalEarned),
		"total_spent":           points.ToDisplay(stats.TotalSpent),
		"last_transaction_unix": stats.LastTransactionUnixUTC,
	})
}

func (server *Server) handleAdminPurchases(ctx *gin.Context) {
	status, ok := server.statusFilter(ctx)
	if !ok {
		return
	}
	limit, offset := pagination(ctx)
	requestCtx := ctx.Request.Context()

	var purchases []mall.Purchase
	var err error
	if rawUserID := ctx.Query("user_id"); rawUserID != "" {
		userID, userErr := points.NewUserID(rawUserID)
		if userErr != nil {
			server.respondError(ctx, userErr)
			return
		}
		purchases, err = server.mall.ListUserPurchases(requestCtx, userID, status, limit, offset)
	} else {
		purchases, err = server.mall.ListPurchases(requestCtx, status, limit, offset)
	}
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": toPurchasePayloads(purchases)})
}

func (server *Server) handleComplete(ctx *gin.Context) {
	var request completeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	purchase, err := server.mall.Complete(ctx.Request.Context(), ctx.Param("purchaseID"), request.DeliveryInfo)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toPurchasePayload(purchase))
}

func (server *Server) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	purchase, err := server.mall.Cancel(ctx.Request.Context(), ctx.Param("purchaseID"), request.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toPurchasePayload(purchase))
}

func (server *Server) handleStatistics(ctx *gin.Context) {
	statistics, err := server.mall.Statistics(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	popular := make([]gin.H, 0, len(statistics.PopularItems))
	for _, item := range statistics.PopularItems {
		popular = append(popular, gin.H{
			"item_id":        item.ItemID,
			"item_name":      item.ItemName,
			"purchase_count": item.PurchaseCount,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_purchases":    statistics.TotalPurchases,
		"pending":            statistics.StatusCounts.Pending,
		"completed":          statistics.StatusCounts.Completed,
		"cancelled":          statistics.StatusCounts.Cancelled,
		"total_points_spent": points.ToDisplay(statistics.TotalPointsSpent),
		"popular_items":      popular,
		"recent_purchases":   statistics.RecentPurchases,
	})
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	signedAmount, err := signedToStorage(request.Points)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transaction, err := server.ledger.Adjust(ctx.Request.Context(), userID, signedAmount, claims.GetUserID(), request.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toTransactionPayload(transaction))
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	userID, err := points.NewUserID(ctx.Param("userID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	cached, derived, err := server.ledger.Reconcile(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    userID.String(),
		"cached":     points.ToDisplay(cached),
		"derived":    points.ToDisplay(derived),
		"consistent": cached == derived,
	})
}

func (server *Server) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
	}
}

func (server *Server) sessionUserID(ctx *gin.Context) (points.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return points.UserID{}, false
	}
	userID, err := points.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return points.UserID{}, false
	}
	return userID, true
}

func (server *Server) statusFilter(ctx *gin.Context) (*mall.PurchaseStatus, bool) {
	raw := ctx.Query("status")
	if raw == "" {
		return nil, true
	}
	status, err := mall.ParsePurchaseStatus(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", fmt.Sprintf("unknown status %q", raw)))
		return nil, false
	}
	return &status, true
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, mall.ErrItemNotFound), errors.Is(err, mall.ErrPurchaseNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, points.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_balance", err.Error()))
	case errors.Is(err, mall.ErrItemUnavailable):
		ctx.JSON(http.StatusConflict, errorResponse("item_unavailable", err.Error()))
	case errors.Is(err, mall.ErrOutOfStock):
		ctx.JSON(http.StatusConflict, errorResponse("out_of_stock", err.Error()))
	case errors.Is(err, mall.ErrInvalidPurchaseState):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_state", err.Error()))
	case errors.Is(err, points.ErrInvalidUserID),
		errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidDisplayValue),
		errors.Is(err, points.ErrNegativeBalance),
		errors.Is(err, mall.ErrInvalidPurchaseStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, points.ErrUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "temporarily unavailable"))
	default:
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
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

func pagination(ctx *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	offset, _ := strconv.Atoi(ctx.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func signedToStorage(display float64) (points.Amount, error) {
	if display < 0 {
		amount, err := points.ToStorage(-display)
		return -amount, err
	}
	return points.ToStorage(display)
}

type purchaseRequest struct {
	ItemID       string         `json:"item_id"`
	DeliveryInfo map[string]any `json:"delivery_info"`
}

type completeRequest struct {
	DeliveryInfo map[string]any `json:"delivery_info"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type adjustRequest struct {
	UserID string  `json:"user_id"`
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
}

type itemPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PointsCost  float64  `json:"points_cost"`
	Category    string   `json:"category"`
	Image       string   `json:"image"`
	Stock       int      `json:"stock"`
	Available   bool     `json:"available"`
	Tags        []string `json:"tags"`
}

type purchasePayload struct {
	PurchaseID       string         `json:"purchase_id"`
	UserID           string         `json:"user_id"`
	ItemID           string         `json:"item_id"`
	ItemName         string         `json:"item_name"`
	ItemDescription  string         `json:"item_description"`
	PointsCost       float64        `json:"points_cost"`
	Status           string         `json:"status"`
	RedemptionCode   string         `json:"redemption_code"`
	DeliveryInfo     map[string]any `json:"delivery_info,omitempty"`
	TransactionID    string         `json:"transaction_id"`
	CreatedUnixUTC   int64          `json:"created_unix_utc"`
	CompletedUnixUTC int64          `json:"completed_unix_utc,omitempty"`
	CancelledUnixUTC int64          `json:"cancelled_unix_utc,omitempty"`
	CancelReason     string         `json:"cancel_reason,omitempty"`
}

type transactionPayload struct {
	TransactionID          string  `json:"transaction_id"`
	Amount                 float64 `json:"amount"`
	BalanceAfter           float64 `json:"balance_after"`
	ReferenceID            string  `json:"reference_id"`
	ReferenceType          string  `json:"reference_type"`
	Description            string  `json:"description"`
	DisputeDeadlineUnixUTC int64   `json:"dispute_deadline_unix_utc,omitempty"`
	CreatedUnixUTC         int64   `json:"created_unix_utc"`
}

func toItemPayload(item mall.Item) itemPayload {
	return itemPayload{
		ID:          item.ID,
		Name:        item.Name,
		Description: item.Description,
		PointsCost:  item.PointsCost,
		Category:    item.Category,
		Image:       item.Image,
		Stock:       item.Stock,
		Available:   item.Available,
		Tags:        item.Tags,
	}
}

func toPurchasePayload(purchase mall.Purchase) purchasePayload {
	return purchasePayload{
		PurchaseID:       purchase.PurchaseID,
		UserID:           purchase.UserID,
		ItemID:           purchase.ItemID,
		ItemName:         purchase.ItemName,
		ItemDescription:  purchase.ItemDescription,
		PointsCost:       points.ToDisplay(purchase.PointsCost),
		Status:           purchase.Status.String(),
		RedemptionCode:   purchase.RedemptionCode,
		DeliveryInfo:     purchase.DeliveryInfo,
		TransactionID:    purchase.TransactionID,
		CreatedUnixUTC:   purchase.CreatedUnixUTC,
		CompletedUnixUTC: purchase.CompletedUnixUTC,
		CancelledUnixUTC: purchase.CancelledUnixUTC,
		CancelReason:     purchase.CancelReason,
	}
}

func toPurchasePayloads(purchases []mall.Purchase) []purchasePayload {
	payload := make([]purchasePayload, 0, len(purchases))
	for _, purchase := range purchases {
		payload = append(payload, toPurchasePayload(purchase))
	}
	return payload
}

func toTransactionPayload(transaction points.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:          transaction.TransactionID,
		Amount:                 points.ToDisplay(transaction.Amount),
		BalanceAfter:           points.ToDisplay(transaction.BalanceAfter),
		ReferenceID:            transaction.ReferenceID,
		ReferenceType:          transaction.ReferenceType.String(),
		Description:            transaction.Description,
		DisputeDeadlineUnixUTC: transaction.DisputeDeadlineUnixUTC,
		CreatedUnixUTC:         transaction.CreatedUnixUTC,
	}
}
