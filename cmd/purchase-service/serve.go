package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"purchase-service/handlers"
	"purchase-service/internal/auth"
	"purchase-service/internal/catalog"
	"purchase-service/internal/config"
	"purchase-service/internal/consul"
	"purchase-service/internal/entitlement"
	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
	"purchase-service/internal/purchase"
	"purchase-service/internal/stores/kafka"
	"purchase-service/internal/stores/postgres"
	"purchase-service/internal/stores/redis"
	"purchase-service/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	/*
		//------------------------------------------------------//
		//                Setting up the database               //
		//------------------------------------------------------//
	*/
	slog.Info("connecting to postgres")
	db, err := postgres.OpenDB(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.MigrateOnStart {
		if err := postgres.MigrateUp(ctx, db); err != nil {
			return err
		}
	}

	catalogConf, err := catalog.NewConf(db)
	if err != nil {
		return err
	}
	orderConf, err := orders.NewConf(db)
	if err != nil {
		return err
	}
	entitlementConf, err := entitlement.NewConf(db)
	if err != nil {
		return err
	}

	/*
		//------------------------------------------------------//
		//          Payment gateway and side effects            //
		//------------------------------------------------------//
	*/
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	granters := []entitlement.Granter{&entitlementConf}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaConf, err := kafka.NewConf(ctx, cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer kafkaConf.Close()
		publisher, err := entitlement.NewPublisher(kafkaConf, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		granters = append(granters, publisher)
	}

	opts := []purchase.Option{purchase.WithEntitlementTimeout(cfg.Entitlement.Timeout)}
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker, err := redis.NewLocker(redisClient, cfg.Redis.LockTTL)
		if err != nil {
			return err
		}
		opts = append(opts, purchase.WithLocker(locker))
	}

	confirmer, err := purchase.NewConfirmer(&orderConf, gw, entitlement.Chain(granters...), opts...)
	if err != nil {
		return err
	}
	defer confirmer.Wait()

	/*
		//------------------------------------------------------//
		//                 Setting up the servers               //
		//------------------------------------------------------//
	*/
	keys, err := auth.LoadKeys(cfg.Auth.PublicKeyPath)
	if err != nil {
		return err
	}
	deps := handlers.Deps{
		Catalog:      &catalogConf,
		Orders:       &orderConf,
		Confirmer:    confirmer,
		Entitlements: &entitlementConf,
		ClientKey:    cfg.Gateway.ClientKey,
		PublicURL:    cfg.HTTP.PublicURL,
		SiteURL:      cfg.HTTP.SiteURL,
		ServiceKey:   cfg.Auth.ServiceKey,
	}
	if preparer, ok := gw.(gateway.Preparer); ok {
		deps.Payments = preparer
	}
	router := handlers.API(cfg.HTTP.EndpointPrefix, keys,
		middleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst), deps)
	api := &http.Server{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	listener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.GRPC.Addr, err)
	}

	serverErrors := make(chan error, 2)
	go func() {
		slog.Info("http server started", slog.String("addr", cfg.HTTP.Addr))
		serverErrors <- api.ListenAndServe()
	}()
	go func() {
		slog.Info("grpc health server started", slog.String("addr", cfg.GRPC.Addr))
		serverErrors <- grpcServer.Serve(listener)
	}()

	var consulClient *consulapi.Client
	serviceID := consul.ServiceName + "-" + uuid.NewString()
	if cfg.Consul.Enabled {
		consulClient, err = consul.NewClient(cfg.Consul.Addr)
		if err != nil {
			return err
		}
		err = consul.RegisterService(consulClient, consul.Registration{
			ServiceID:     serviceID,
			AdvertiseHost: cfg.Consul.AdvertiseHost,
			HTTPAddr:      cfg.HTTP.Addr,
			GRPCAddr:      cfg.GRPC.Addr,
		})
		if err != nil {
			return err
		}
	}

	/*
		//------------------------------------------------------//
		//          Listening for error signals                 //
		//------------------------------------------------------//
	*/
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if consulClient != nil {
		if err := consul.DeregisterService(consulClient, serviceID); err != nil {
			slog.Error("consul deregistration failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	grpcServer.GracefulStop()
	if err := api.Shutdown(shutdownCtx); err != nil {
		api.Close()
		return fmt.Errorf("could not stop server gracefully: %w", err)
	}
	return nil
}

func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Gateway.Provider {
	case config.ProviderStripe:
		return gateway.NewStripeClient(cfg.Stripe.SecretKey, cfg.Stripe.BackendURL, cfg.Gateway.Timeout)
	case config.ProviderToss:
		return gateway.NewHTTPClient(cfg.Gateway.ConfirmURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Gateway.Provider)
	}
}
