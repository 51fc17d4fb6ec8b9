package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
	"github.com/LeonardoBeccarini/village_water/internal/services/allocation"
	"github.com/LeonardoBeccarini/village_water/internal/services/cropwater"
	"github.com/LeonardoBeccarini/village_water/internal/services/soilmoisture"
	"github.com/LeonardoBeccarini/village_water/pkg/dedup"
	"github.com/LeonardoBeccarini/village_water/pkg/logging"
	"github.com/LeonardoBeccarini/village_water/pkg/rabbitmq"
)

var (
	cfg    Config
	logger *zap.Logger

	// flag globali
	logLevel string
	strategy string
)

var rootCmd = &cobra.Command{
	Use:   "allocator",
	Short: "Village water allocation service",
	Long: `allocator splits a village's daily irrigation water among its farms,
weighting each farm's demand by its priority and never granting more than
the farm needs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if strategy != "" {
			if _, err := allocation.ParseStrategy(strategy); err != nil {
				return err
			}
			cfg.Strategy = strategy
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "", "override ALLOCATION_STRATEGY (proportional|water_filling)")
	rootCmd.AddCommand(serveCmd(), optimizeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engineFromConfig builds the engine and the optional moisture source.
// The returned cleanup closes what was opened.
func engineFromConfig(opts ...allocation.Option) (*allocation.Engine, func(), error) {
	cleanup := func() {}
	if cfg.influxEnabled() {
		src, err := soilmoisture.NewInfluxSource(soilmoisture.InfluxConfig{
			InfluxURL:    cfg.InfluxURL,
			InfluxToken:  cfg.InfluxToken,
			InfluxOrg:    cfg.InfluxOrg,
			InfluxBucket: cfg.InfluxBucket,
			Measurement:  cfg.Measurement,
			Logger:       logger,
		})
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = src.Close
		opts = append(opts, allocation.WithMoistureSource(src))
	}

	e, err := allocation.NewEngine(allocation.Config{
		CropWater: cropwater.Config{
			BaseURL:         cfg.CropWaterURL,
			Timeout:         ms(cfg.LookupTimeoutMs),
			BreakerFailures: cfg.CBFails,
			BreakerOpenFor:  ms(cfg.CBOpenMs),
			BreakerInterval: ms(cfg.CBIntervalMs),
			Logger:          logger,
		},
		Strategy:          allocation.Strategy(cfg.Strategy),
		LookupConcurrency: cfg.LookupConcurrency,
		Logger:            logger,
	}, opts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return e, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC and (optionally) MQTT endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []allocation.Option{allocation.WithMetrics(allocation.NewMetrics(reg))}

	// ---- MQTT (RabbitMQ plugin) ----
	var (
		client mqtt.Client
		pub    rabbitmq.IPublisher
	)
	if cfg.MQTTEnabled {
		c, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
			Host:     cfg.RabbitHost,
			Port:     cfg.RabbitPort,
			User:     cfg.RabbitUser,
			Password: cfg.RabbitPassword,
			ClientID: cfg.RabbitClientID,
			Logger:   logger,
		}, ctx)
		if err != nil {
			return err
		}
		client = c
		pub = rabbitmq.NewPublisher(c)
		defer pub.Close()
		opts = append(opts, allocation.WithEventPublisher(allocation.NewMQTTEventPublisher(pub, cfg.EventTopic)))
	}

	engine, cleanup, err := engineFromConfig(opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if pub != nil {
		handler := allocation.NewRequestHandler(engine, pub, allocation.RequestHandlerConfig{
			ReplyTopic: cfg.ReplyTopic,
			Timeout:    ms(cfg.LookupTimeoutMs) * 3,
			Dedup:      dedup.New(10*time.Minute, 10000),
			Logger:     logger,
		})
		consumer := rabbitmq.NewConsumer(client, cfg.RequestTopic, handler.Handle, logger)
		g.Go(func() error {
			consumer.ConsumeMessage(gctx)
			return nil
		})
	}

	// ---- HTTP ----
	mux := allocation.NewHTTPMux(engine, allocation.HTTPConfig{
		MQTT:     client,
		Influx:   cfg.influxEnabled(),
		Registry: reg,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("allocation service listening", zap.String("addr", srv.Addr),
			zap.String("strategy", string(engine.Strategy())), zap.String("crop_water_api", cfg.CropWaterURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	// ---- gRPC ----
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := grpc.NewServer()
	allocation.RegisterAllocationServiceServer(grpcServer, allocation.NewGRPCServer(engine))
	hs := health.NewServer()
	hs.SetServingStatus(allocation.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	g.Go(func() error {
		logger.Info("allocation gRPC listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})

	// ---- graceful shutdown ----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

func optimizeCmd() *cobra.Command {
	var (
		file   string
		total  float64
		output string
		remote string
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Allocate water for a request file (JSON or YAML)",
		Example: `  allocator optimize --file village.yaml --output table
  allocator optimize --file village.json --total 50000 --remote localhost:50061`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRequestFile(file)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("total") {
				req.TotalAvailableWaterLiters = total
			}

			var resp *entities.OptimizeResponse
			if remote != "" {
				resp, err = optimizeRemote(cmd.Context(), remote, req)
			} else {
				resp, err = optimizeLocal(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (.json, .yaml, .yml)")
	cmd.Flags().Float64Var(&total, "total", 0, "override total_available_water_liters")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json|table")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running allocator (default: compute locally)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func optimizeLocal(ctx context.Context, req *entities.OptimizeRequest) (*entities.OptimizeResponse, error) {
	engine, cleanup, err := engineFromConfig()
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return engine.Optimize(ctx, req)
}

func optimizeRemote(ctx context.Context, addr string, req *entities.OptimizeRequest) (*entities.OptimizeResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(b, in); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ms(cfg.LookupTimeoutMs)*3)
	defer cancel()
	out, err := allocation.NewAllocationClient(conn).Optimize(ctx, in)
	if err != nil {
		return nil, err
	}

	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, err
	}
	var resp entities.OptimizeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
