package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VirtualStagingLab/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// CreditAPI is the slice of the credit service the HTTP layer needs.
// *credits.Service satisfies it; tests substitute a stub.
type CreditAPI interface {
	Grant(ctx context.Context, event credits.PurchaseEvent) (int64, error)
	Deduct(ctx context.Context, request credits.DeductRequest) (credits.DeductResult, error)
	Balance(ctx context.Context, userID string) (credits.Balance, error)
	Transactions(ctx context.Context, userID string, limit int) ([]credits.LedgerEntry, error)
}

// Server wires the gin router over the credit service.
type Server struct {
	logger  *zap.Logger
	service CreditAPI
}

// New constructs the HTTP server facade.
func New(logger *zap.Logger, service CreditAPI) *Server {
	return &Server{logger: logger, service: service}
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context, cfg Config) error {
	router := server.Router(cfg)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
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

// Router builds the gin engine (exposed for tests).
func (server *Server) Router(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/purchase", server.handlePurchase)

	api := router.Group("/api")
	api.POST("/deduct", server.handleDeduct)
	api.GET("/balance/:user_id", server.handleBalance)
	api.GET("/transactions/:user_id", server.handleTransactions)

	return router
}

type purchaseLineItem struct {
	PriceID  string            `json:"price_id"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
}

type purchaseRequest struct {
	PaymentID  string             `json:"payment_id" binding:"required"`
	PayerEmail string             `json:"payer_email" binding:"required"`
	LineItems  []purchaseLineItem `json:"line_items"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	event := credits.PurchaseEvent{
		SourceID:   request.PaymentID,
		PayerEmail: request.PayerEmail,
	}
	for _, item := range request.LineItems {
		event.LineItems = append(event.LineItems, credits.LineItem{
			PriceID:  item.PriceID,
			Quantity: item.Quantity,
			Metadata: item.Metadata,
		})
	}
	granted, err := server.service.Grant(ctx.Request.Context(), event)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"credits_granted": granted})
}

type deductRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
	JobID  string `json:"job_id"`
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	result, err := server.service.Deduct(ctx.Request.Context(), credits.DeductRequest{
		UserID:   request.UserID,
		Amount:   request.Amount,
		Reason:   request.Reason,
		SourceID: request.JobID,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{"balance": result.Balance.Balance}
	if result.ThresholdCrossed != nil {
		response["threshold_crossed"] = *result.ThresholdCrossed
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	balance, err := server.service.Balance(ctx.Request.Context(), ctx.Param("user_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{
		"balance":     balance.Balance,
		"last_pack":   balance.LastPack,
		"auto_extend": balance.AutoExtend,
	}
	if balance.ExpiresAt != nil {
		response["expires_at"] = balance.ExpiresAt.UTC().Format(time.RFC3339)
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	entries, err := server.service.Transactions(ctx.Request.Context(), ctx.Param("user_id"), limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"delta":      entry.Delta,
			"reason":     entry.Reason,
			"source_id":  entry.SourceID,
			"created_at": entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
	case errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidEmail),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidSourceID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
