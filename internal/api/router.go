package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/app"
	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/handlers"
	"github.com/conservehq/conserve/internal/middleware"
	"github.com/conservehq/conserve/internal/realtime"
	"github.com/conservehq/conserve/internal/services"
)

// Dependencies carries everything the router wires into handlers.
type Dependencies struct {
	DB            *gorm.DB
	Config        *app.Config
	Tokens        *iauth.TokenService
	Hub           *realtime.Hub
	Auth          *services.AuthService
	Organizations *services.OrganizationService
	Memberships   *services.MembershipService
	Tasks         *services.TaskService
	Notifications *services.NotificationService
	Exits         *services.ExitService
}

// NewRouter builds the Gin engine, wires middleware, and registers routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Auth == nil || deps.Organizations == nil || deps.Memberships == nil ||
		deps.Tasks == nil || deps.Notifications == nil || deps.Exits == nil {
		return nil, fmt.Errorf("all services must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(deps.Config.Server.AllowedOrigins))
	r.Use(middleware.RateLimit(100, time.Minute))

	r.NoRoute(middleware.NotFoundHandler)
	r.GET("/health", handlers.Health(deps.DB))

	requireAuth := middleware.Auth(deps.Tokens, deps.DB)

	cookie := handlers.CookieSettings{Secure: deps.Config.Server.SecureCookies}
	authHandler := handlers.NewAuthHandler(deps.Auth, deps.Exits, deps.Tasks, cookie)
	orgHandler := handlers.NewOrganizationHandler(deps.Organizations, deps.Memberships, deps.Auth)
	taskHandler := handlers.NewTaskHandler(deps.Tasks)
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub)

	registerAuthRoutes(r, authHandler, requireAuth)
	registerOrganizationRoutes(r, orgHandler, requireAuth)
	registerTaskRoutes(r, taskHandler, requireAuth)
	registerNotificationRoutes(r, notificationHandler, requireAuth)

	r.GET("/api/realtime", requireAuth, realtimeHandler.Connect)

	return r, nil
}
