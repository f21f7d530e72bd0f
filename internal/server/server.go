package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/custody"
	"github.com/ksred/klear-escrow/internal/escrow"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/pricing"
	"github.com/ksred/klear-escrow/pkg/middleware"
	"github.com/ksred/klear-escrow/pkg/response"
)

// Server wires the escrow engine to its collaborators and exposes them over
// one gin router
type Server struct {
	Router *gin.Engine
	Auth   *auth.Service
	Access *auth.Access
	Engine *escrow.Engine

	db         *gorm.DB
	compliance *compliance.Oracle
	prices     *pricing.Oracle
	registries []*custody.Registry
	ledger     *ledger.Ledger
	processor  *escrow.Processor
	feeder     *pricing.Feeder
	closers    []func()
}

// New builds every service on db. The configured admin is bootstrapped and
// granted every role, and the configured API credentials are registered.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB) (*Server, error) {
	s := &Server{
		db:     db,
		Access: auth.NewAccess(db),
		Auth:   auth.NewService(cfg.JWTSecret),
	}
	if err := bootstrapRoles(ctx, cfg, s.Access); err != nil {
		s.Close()
		return nil, fmt.Errorf("bootstrap roles: %w", err)
	}
	s.Auth.RegisterAPICredentials(cfg.APIKey, cfg.APISecret, cfg.APIAddress)

	s.compliance = compliance.NewOracle(db, s.Access)
	prices, err := pricing.NewOracle(db, s.Access, pricing.WithMaxAge(cfg.OracleMaxAge))
	if err != nil {
		return nil, fmt.Errorf("price oracle: %w", err)
	}
	s.prices = prices
	s.closers = append(s.closers, prices.Close)

	precious := custody.NewRegistry(cfg.PreciousContract, db, s.Access, prices)
	s.registries = []*custody.Registry{precious}
	s.ledger = ledger.New(db, s.Access)

	publisher, err := s.newPublisher(cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("event publisher: %w", err)
	}

	s.Engine, err = escrow.New(ctx, db, escrow.Config{
		EscrowAddress:       cfg.EscrowAddress,
		PreciousContract:    cfg.PreciousContract,
		DefaultJurisdiction: cfg.DefaultJurisdiction,
		MinOracleConfidence: cfg.OracleMinConfidence,
		Defaults: escrow.Settings{
			BuyerFeeBps:   cfg.BuyerFeeBps,
			SellerFeeBps:  cfg.SellerFeeBps,
			FeeRecipient:  cfg.FeeRecipient,
			DisputeWindow: cfg.DisputeWindow,
			TradeWindow:   cfg.TradeWindow,
		},
	}, escrow.Dependencies{
		Access:     s.Access,
		Compliance: s.compliance,
		Prices:     prices,
		Custody:    escrow.Custodians{precious.Contract(): precious},
		Ledger:     s.ledger,
		Publisher:  publisher,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("escrow engine: %w", err)
	}

	s.processor = escrow.NewProcessor(s.Engine, cfg.ProcessorInterval)
	if cfg.PriceFeedURL != "" {
		s.feeder = pricing.NewFeeder(cfg.PriceFeedURL, cfg.PriceFeederAddress, cfg.PriceFeedInterval, prices)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.Router = gin.New()
	s.Router.Use(gin.Recovery(), middleware.RateLimit())
	s.setupRoutes()

	return s, nil
}

// Start runs the expiry processor and, when configured, the price feeder
// until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	go s.processor.Start(ctx)
	if s.feeder != nil {
		go s.feeder.Start(ctx)
	}
}

// Close releases the price cache and flushes the event publishers
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// bootstrapRoles makes the configured admin the holder of every role and
// lets the price feeder identity submit quotes
func bootstrapRoles(ctx context.Context, cfg *config.Config, access *auth.Access) error {
	if err := access.Bootstrap(ctx, cfg.AdminAddress); err != nil {
		return err
	}
	for _, role := range []auth.Role{
		auth.RoleArbiter,
		auth.RolePauser,
		auth.RolePriceFeeder,
		auth.RoleComplianceOfficer,
		auth.RoleCustodian,
		auth.RoleTreasurer,
	} {
		if err := access.Grant(ctx, cfg.AdminAddress, role, cfg.AdminAddress); err != nil {
			return fmt.Errorf("grant %s: %w", role, err)
		}
	}
	if err := access.Grant(ctx, cfg.AdminAddress, auth.RolePriceFeeder, cfg.PriceFeederAddress); err != nil {
		return fmt.Errorf("grant price feeder: %w", err)
	}
	return nil
}

func (s *Server) newPublisher(cfg *config.Config) (events.Publisher, error) {
	publishers := events.Fanout{events.LogPublisher{}}
	if cfg.KafkaBrokers == "" {
		return publishers, nil
	}

	kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, kafka.Close)
	zlog.Info().Str("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Publishing trade events to Kafka")
	return append(publishers, kafka), nil
}

// setupRoutes configures all API endpoints. Token issuance, health,
// readiness and metrics are public. Everything else requires a JWT, and the writes of the
// collaborator services also require their role.
func (s *Server) setupRoutes() {
	router := s.Router
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "paused": s.Engine.Paused()})
	})
	router.GET("/ready", s.readyHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandlers := auth.NewGinHandlers(s.Auth, s.Access)
	escrowHandlers := escrow.NewGinHandlers(s.Engine)
	complianceHandlers := compliance.NewGinHandlers(s.compliance)
	pricingHandlers := pricing.NewGinHandlers(s.prices)
	custodyHandlers := custody.NewGinHandlers(s.registries...)
	ledgerHandlers := ledger.NewGinHandlers(s.ledger)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(s.Auth))

		admin := protected.Group("/admin")
		escrowHandlers.RegisterRoutes(protected.Group("/trades"), admin)
		admin.POST("/roles", authHandlers.GrantRoleHandler())
		admin.DELETE("/roles", authHandlers.RevokeRoleHandler())
		admin.GET("/roles/:role", authHandlers.ListMembersHandler())

		oracle := protected.Group("/oracle")
		{
			oracle.POST("/prices", pricingHandlers.SubmitPriceHandler())
			oracle.GET("/prices/:category", pricingHandlers.LatestPriceHandler())
			oracle.GET("/prices/:category/history", pricingHandlers.HistoryHandler())
			oracle.GET("/prices/:category/value", pricingHandlers.AssetValueHandler())
		}

		complianceGroup := protected.Group("/compliance")
		{
			complianceGroup.GET("/profiles/:address", complianceHandlers.GetProfileHandler())
			complianceGroup.GET("/profiles/:address/checks", complianceHandlers.GetChecksHandler())
			complianceGroup.GET("/rules/:jurisdiction", complianceHandlers.GetRuleHandler())

			officer := complianceGroup.Group("")
			officer.Use(middleware.RequireRole(s.Access, auth.RoleComplianceOfficer))
			officer.PUT("/profiles", complianceHandlers.UpsertProfileHandler())
			officer.POST("/profiles/:address/sanctions", complianceHandlers.SetSanctionedHandler())
			officer.PUT("/rules", complianceHandlers.UpsertRuleHandler())
		}

		custodyGroup := protected.Group("/custody/:contract")
		{
			custodyGroup.GET("/assets/:asset_id", custodyHandlers.GetAssetHandler())
			custodyGroup.GET("/holdings/:address", custodyHandlers.GetHoldingsHandler())
			custodyGroup.POST("/assets/:asset_id/transfer", custodyHandlers.TransferAssetHandler())

			custodian := custodyGroup.Group("")
			custodian.Use(middleware.RequireRole(s.Access, auth.RoleCustodian))
			custodian.POST("/assets", custodyHandlers.RegisterAssetHandler())
			custodian.POST("/assets/:asset_id/redeem", custodyHandlers.RedeemAssetHandler())
		}

		ledgerGroup := protected.Group("/ledger")
		{
			ledgerGroup.POST("/transfer", ledgerHandlers.TransferHandler())
			ledgerGroup.GET("/balances/:address", ledgerHandlers.GetBalancesHandler())
			ledgerGroup.GET("/entries/:address", ledgerHandlers.GetEntriesHandler())
			ledgerGroup.POST("/credit", middleware.RequireRole(s.Access, auth.RoleTreasurer), ledgerHandlers.CreditHandler())
		}
	}
}

// readyHandler reports whether the database answers
func (s *Server) readyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			zlog.Warn().Err(err).Msg("readiness check failed")
			response.Unavailable(c, "Database unavailable")
			return
		}
		response.Success(c, gin.H{"ready": true})
	}
}
