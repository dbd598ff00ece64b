package handlers

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Krchnk/gw-mining-wallet/internal/account"
	"github.com/Krchnk/gw-mining-wallet/internal/apperr"
	"github.com/Krchnk/gw-mining-wallet/internal/config"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

type Handler struct {
	svc      *account.Service
	cfg      config.Config
	limiters *cache.Cache
}

func NewHandler(svc *account.Service, cfg config.Config) *Handler {
	return &Handler{
		svc:      svc,
		cfg:      cfg,
		limiters: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Mount registers every route under api.
func (h *Handler) Mount(api *gin.RouterGroup) {
	api.POST("/register", h.Register)
	api.POST("/login", h.Login)

	auth := api.Group("", h.AuthMiddleware())
	{
		auth.POST("/logout", h.Logout)
		auth.GET("/account", h.GetAccount)
		auth.POST("/mining", h.MiningRateLimit(), h.Mine)
		auth.GET("/transactions", h.GetTransactions)
		auth.POST("/redeem", h.Redeem)

		admin := auth.Group("/admin")
		{
			admin.GET("/accounts", h.ListAccounts)
			admin.GET("/stats", h.GetStatistics)
			admin.POST("/adjust", h.Adjust)
		}
	}
}

func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		DisplayName  string `json:"display_name"`
		ReferralCode string `json:"referral_code"`
	}

	if err := c.BindJSON(&req); err != nil {
		logger.WithError(err).Error("failed to bind registration request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	logger.WithFields(logrus.Fields{
		"email":         req.Email,
		"referral_code": req.ReferralCode,
	}).Info("registration attempt")

	reg, err := h.svc.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName, req.ReferralCode)
	if err != nil {
		logger.WithField("email", req.Email).WithError(err).Error("user registration failed")
		respondError(c, err)
		return
	}

	logger.WithField("account_id", reg.Account.ID).Info("user registered successfully")
	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"account": reg.Account,
		"token":   reg.Identity.Token,
	})
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := c.BindJSON(&req); err != nil {
		logger.WithError(err).Error("failed to bind login request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	logger.WithField("email", req.Email).Info("login attempt")

	identity, err := h.svc.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		logger.WithField("email", req.Email).WithError(err).Error("login failed")
		respondError(c, err)
		return
	}

	logger.WithField("account_id", identity.AccountID).Info("login successful")
	c.JSON(http.StatusOK, gin.H{
		"token":      identity.Token,
		"account_id": identity.AccountID,
		"expires_at": identity.ExpiresAt,
	})
}

func (h *Handler) Logout(c *gin.Context) {
	userID := c.GetString("user_id")
	if err := h.svc.SignOut(c.Request.Context(), c.GetString("token")); err != nil {
		logger.WithField("user_id", userID).WithError(err).Error("logout failed")
		respondError(c, err)
		return
	}

	logger.WithField("user_id", userID).Info("user logged out")
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *Handler) GetAccount(c *gin.Context) {
	userID := c.GetString("user_id")
	logger.WithField("user_id", userID).Info("getting account")

	snap, err := h.svc.Snapshot(c.Request.Context(), userID)
	if err != nil {
		logger.WithField("user_id", userID).WithError(err).Error("failed to get account")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Mine(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount"`
	}

	if err := c.BindJSON(&req); err != nil {
		logger.WithError(err).Error("failed to bind mining request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID := c.GetString("user_id")
	logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  req.Amount,
	}).Info("mining accrual")

	res, err := h.svc.Mine(c.Request.Context(), userID, req.Amount)
	if err != nil {
		logger.WithField("user_id", userID).WithError(err).Error("mining accrual failed")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":     res.Account,
		"converted":   res.Converted,
		"conversions": res.Conversions,
		"rewarded":    res.Rewarded,
	})
}

func (h *Handler) GetTransactions(c *gin.Context) {
	userID := c.GetString("user_id")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	txs, err := h.svc.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		logger.WithField("user_id", userID).WithError(err).Error("failed to list transactions")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) Redeem(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount"`
	}

	if err := c.BindJSON(&req); err != nil {
		logger.WithError(err).Error("failed to bind redeem request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID := c.GetString("user_id")
	logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  req.Amount,
	}).Info("redeem request initiated")

	res, err := h.svc.Redeem(c.Request.Context(), userID, req.Amount)
	if err != nil {
		logger.WithField("user_id", userID).WithError(err).Error("redeem failed")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Redemption successful",
		"debited":  res.Debited,
		"credited": res.Credited,
		"account":  res.Account,
	})
}

func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.svc.ListAccounts(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *Handler) GetStatistics(c *gin.Context) {
	stats, err := h.svc.Statistics(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) Adjust(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id"`
		Delta     int64  `json:"delta"`
		Note      string `json:"note"`
	}

	if err := c.BindJSON(&req); err != nil {
		logger.WithError(err).Error("failed to bind adjust request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	acc, err := h.svc.Adjust(c.Request.Context(), c.GetString("user_id"), req.AccountID, req.Delta, req.Note)
	if err != nil {
		logger.WithField("account_id", req.AccountID).WithError(err).Error("adjustment failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.GetHeader("Authorization")
		if len(tokenStr) < 7 || !strings.EqualFold(tokenStr[:7], "Bearer ") {
			logger.Error("missing or invalid Authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		tokenStr = strings.TrimSpace(tokenStr[7:])
		identity, err := h.svc.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			logger.WithError(err).Error("token verification failed")
			respondError(c, err)
			c.Abort()
			return
		}

		c.Set("user_id", identity.AccountID)
		c.Set("token", tokenStr)
		logger.WithField("user_id", identity.AccountID).Debug("user authenticated")
		c.Next()
	}
}

// MiningRateLimit keeps one token bucket per account.
func (h *Handler) MiningRateLimit() gin.HandlerFunc {
	perMinute := h.cfg.Mining.PerMinute
	burst := h.cfg.Mining.Burst
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	every := rate.Every(time.Minute / time.Duration(perMinute))

	return func(c *gin.Context) {
		key := c.GetString("user_id")
		if key == "" {
			key = c.ClientIP()
		}

		_ = h.limiters.Add(key, rate.NewLimiter(every, burst), cache.DefaultExpiration)
		cached, _ := h.limiters.Get(key)
		limiter := cached.(*rate.Limiter)
		if !limiter.Allow() {
			logger.WithField("user_id", key).Warn("mining rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many mining requests, slow down"})
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		if errors.Is(err, account.ErrNotAdmin) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": apperr.Message(err)})
}
