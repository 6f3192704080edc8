package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	apperrors "botfleet-backend/internal/common/errors"
	"botfleet-backend/internal/lifecycle"
	"botfleet-backend/internal/registry"
	"botfleet-backend/internal/tenantdb"
)

// Server is the operational HTTP surface: tenant administration and
// progress introspection. Bot traffic never passes through here.
type Server struct {
	store   *registry.Store
	fleet   *lifecycle.Manager
	pools   *tenantdb.Manager
	tenants *tenantdb.Store
	engine  *gin.Engine
}

func NewServer(store *registry.Store, fleet *lifecycle.Manager, pools *tenantdb.Manager, corsOrigins string, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if corsOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(corsOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "Accept"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		store:   store,
		fleet:   fleet,
		pools:   pools,
		tenants: tenantdb.NewStore(),
		engine:  router,
	}

	router.GET("/health", s.health)
	router.GET("/tenants", s.listTenants)
	router.POST("/tenants", s.registerTenant)
	router.POST("/tenants/:id/archive", s.archiveTenant)
	router.POST("/tenants/:id/restart", s.restartTenant)
	router.GET("/tenants/:id/jobs", s.tenantJobs)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": len(s.fleet.Runtimes()),
	})
}

type tenantView struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Kind           string   `json:"kind"`
	Running        bool     `json:"running"`
	BotID          int64    `json:"bot_id,omitempty"`
	EnabledModules []string `json:"enabled_modules"`
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.store.ActiveTenants(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		v := tenantView{
			ID:             t.ID,
			Name:           t.Name,
			Kind:           t.Kind,
			EnabledModules: t.EnabledModules,
		}
		if rt := s.fleet.Runtime(t.ID); rt != nil {
			v.Running = true
			v.BotID = rt.BotID
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"tenants": views})
}

type registerRequest struct {
	Token       string  `json:"token" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Kind        string  `json:"kind"`
	DatabaseURL string  `json:"database_url" binding:"required"`
	AdminIDs    []int64 `json:"admin_ids"`
}

// registerTenant persists the tenant row and signals the fleet over the
// notification channel; the bot comes up without a process restart.
func (s *Server) registerTenant(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = "telegram"
	}

	ctx := c.Request.Context()
	id, err := s.store.Register(ctx, req.Token, req.Name, req.Kind, req.DatabaseURL, req.AdminIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.NotifyTenantAdded(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) archiveTenant(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.Archive(ctx, id, c.Query("by")); err != nil {
		respondError(c, err)
		return
	}
	// tenant_added триггерит полную сверку, она же останавливает лишних ботов
	if err := s.store.NotifyTenantAdded(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

func (s *Server) restartTenant(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}
	if err := s.store.NotifyTenantRestart(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "restart requested"})
}

func (s *Server) tenantJobs(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	pool := s.pools.Get(id)
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant is not running"})
		return
	}

	ctx := tenantdb.WithTenant(c.Request.Context(), pool)
	jobs, err := s.tenants.ActiveJobs(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func tenantID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if appErr, ok := apperrors.AsAppError(err); ok {
		switch appErr.Code {
		case apperrors.ErrCodeNotFound, apperrors.ErrCodeTenantNotFound, apperrors.ErrCodeModuleNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeConflict:
			status = http.StatusConflict
		case apperrors.ErrCodeValidation:
			status = http.StatusBadRequest
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
