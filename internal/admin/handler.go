// Package admin exposes the management API: operator login, workspace and
// API key provisioning, usage reporting, billing inspection, and catalog
// reloads. It is a thin JSON surface over the same stores the relay uses.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencode-zen/zen/internal/catalog"
	"github.com/opencode-zen/zen/internal/config"
	"github.com/opencode-zen/zen/internal/models"
	"github.com/opencode-zen/zen/internal/payments"
	"github.com/opencode-zen/zen/internal/security"
	"github.com/opencode-zen/zen/internal/util"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler serves the management API.
type Handler struct {
	db          *gorm.DB
	cfg         config.AdminConfig
	store       *catalog.Store
	catalogPath string
	stripe      *payments.StripeProcessor
}

// NewHandler constructs a Handler. stripe may be nil when no payment
// processor is configured; checkout endpoints then return 503.
func NewHandler(db *gorm.DB, cfg config.AdminConfig, store *catalog.Store, catalogPath string, stripe *payments.StripeProcessor) *Handler {
	return &Handler{db: db, cfg: cfg, store: store, catalogPath: catalogPath, stripe: stripe}
}

// Register mounts the management routes on a router group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.POST("/login", h.Login)

	authed := group.Group("", h.RequireAuth)
	authed.POST("/workspaces", h.CreateWorkspace)
	authed.POST("/api-keys", h.CreateAPIKey)
	authed.GET("/usage", h.ListUsage)
	authed.GET("/billing/:workspaceID", h.GetBilling)
	authed.POST("/billing/:workspaceID/checkout", h.CreateCheckout)
	authed.POST("/billing/:workspaceID/portal", h.CreatePortal)
	authed.POST("/catalog/reload", h.ReloadCatalog)
}

// Login verifies operator credentials and issues a JWT.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.Admin
	errFind := h.db.WithContext(c.Request.Context()).
		Where("username = ?", req.Username).
		First(&admin).Error
	if errFind != nil || !admin.Active || !security.CheckPassword(admin.Password, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errToken := security.GenerateAdminToken(h.cfg.JWTSecret, admin.ID, admin.Username, h.cfg.TokenTTL)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// RequireAuth validates the bearer JWT on management routes.
func (h *Handler) RequireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, errParse := security.ParseAdminToken(h.cfg.JWTSecret, strings.TrimPrefix(header, prefix))
	if errParse != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errParse.Error()})
		return
	}
	c.Set("admin_id", claims.AdminID)
	c.Next()
}

// CreateWorkspace creates a workspace with an empty billing account.
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Slug string `json:"slug" binding:"required"`
		Free bool   `json:"free"`
	}
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and slug are required"})
		return
	}

	workspace := models.Workspace{Name: req.Name, Slug: strings.ToLower(req.Slug), Free: req.Free}
	errCreate := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if errWs := tx.Create(&workspace).Error; errWs != nil {
			return errWs
		}
		return tx.Create(&models.BillingAccount{WorkspaceID: workspace.ID}).Error
	})
	if errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace creation failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": workspace.ID, "slug": workspace.Slug})
}

// CreateAPIKey issues a new API key for a workspace. The full key is
// returned exactly once; only a hidden form is ever logged.
func (h *Handler) CreateAPIKey(c *gin.Context) {
	var req struct {
		WorkspaceID uint64  `json:"workspace_id" binding:"required"`
		UserID      *uint64 `json:"user_id"`
		Name        string  `json:"name"`
	}
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id is required"})
		return
	}

	token, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}

	key := models.APIKey{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Name:        req.Name,
		APIKey:      token,
		Active:      true,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&key).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}

	log.WithFields(log.Fields{
		"workspace": req.WorkspaceID,
		"api_key":   util.HideAPIKey(token),
	}).Info("api key issued")
	c.JSON(http.StatusCreated, gin.H{"id": key.ID, "api_key": token})
}

// ListUsage returns recent usage rows, optionally filtered by workspace.
func (h *Handler) ListUsage(c *gin.Context) {
	query := h.db.WithContext(c.Request.Context()).
		Model(&models.Usage{}).
		Order("id DESC")

	if raw := c.Query("workspace_id"); raw != "" {
		workspaceID, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace_id"})
			return
		}
		query = query.Where("workspace_id = ?", workspaceID)
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, errParse := strconv.Atoi(raw); errParse == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	var rows []models.Usage
	if errList := query.Limit(limit).Find(&rows).Error; errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

// GetBilling returns the billing account for a workspace.
func (h *Handler) GetBilling(c *gin.Context) {
	workspaceID, errParse := strconv.ParseUint(c.Param("workspaceID"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}

	var account models.BillingAccount
	errFind := h.db.WithContext(c.Request.Context()).
		Where("workspace_id = ?", workspaceID).
		First(&account).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "billing account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "billing query failed"})
		return
	}
	c.JSON(http.StatusOK, account)
}

// CreateCheckout starts a hosted checkout session for a one-off credit
// purchase.
func (h *Handler) CreateCheckout(c *gin.Context) {
	if h.stripe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment processor not configured"})
		return
	}
	workspaceID, errParse := strconv.ParseUint(c.Param("workspaceID"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}
	var req struct {
		AmountCents int64  `json:"amount_cents" binding:"required"`
		SuccessURL  string `json:"success_url" binding:"required"`
		CancelURL   string `json:"cancel_url" binding:"required"`
	}
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_cents, success_url and cancel_url are required"})
		return
	}

	account, errAccount := h.accountWithCustomer(c, workspaceID)
	if errAccount != nil {
		return
	}
	url, errSession := h.stripe.CreateCheckoutSession(c.Request.Context(), account.CustomerID, req.AmountCents, req.SuccessURL, req.CancelURL)
	if errSession != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "checkout session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// CreatePortal starts a billing portal session for payment method management.
func (h *Handler) CreatePortal(c *gin.Context) {
	if h.stripe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment processor not configured"})
		return
	}
	workspaceID, errParse := strconv.ParseUint(c.Param("workspaceID"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}
	var req struct {
		ReturnURL string `json:"return_url" binding:"required"`
	}
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "return_url is required"})
		return
	}

	account, errAccount := h.accountWithCustomer(c, workspaceID)
	if errAccount != nil {
		return
	}
	url, errSession := h.stripe.CreateBillingPortalSession(c.Request.Context(), account.CustomerID, req.ReturnURL)
	if errSession != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "portal session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// accountWithCustomer loads a billing account and requires a processor
// customer. Writes the error response itself on failure.
func (h *Handler) accountWithCustomer(c *gin.Context, workspaceID uint64) (*models.BillingAccount, error) {
	var account models.BillingAccount
	errFind := h.db.WithContext(c.Request.Context()).
		Where("workspace_id = ?", workspaceID).
		First(&account).Error
	if errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "billing account not found"})
		return nil, errFind
	}
	if account.CustomerID == "" {
		errMissing := errors.New("no processor customer")
		c.JSON(http.StatusConflict, gin.H{"error": "workspace has no payment processor customer"})
		return nil, errMissing
	}
	return &account, nil
}

// ReloadCatalog re-reads the catalog file and swaps the snapshot.
func (h *Handler) ReloadCatalog(c *gin.Context) {
	snapshot, errLoad := catalog.LoadFile(h.catalogPath)
	if errLoad != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errLoad.Error()})
		return
	}
	h.store.Replace(snapshot)
	log.WithField("models", len(snapshot.Models())).Info("catalog reloaded")
	c.JSON(http.StatusOK, gin.H{"models": len(snapshot.Models())})
}
