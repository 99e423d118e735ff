package main

import (
	"context"
	stlog "log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shopsifu/config"
	"shopsifu/payment/db"
	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/notify"
	"shopsifu/payment/order"
	"shopsifu/payment/reconcile"
	"shopsifu/service"
	"shopsifu/utils"
	"shopsifu/web/controllers"
	"shopsifu/web/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stlog.Fatalln("Error loading config:", err)
	}

	log, err := utils.NewLogger(cfg.Log.Level)
	if err != nil {
		stlog.Fatalln("Error creating logger:", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("payment service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	conn, err := db.Connect(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	if err := db.Sync(conn); err != nil {
		return err
	}

	l := ledger.New(conn, log.Named("ledger"))
	gw := gateway.NewClient(gateway.Config{
		TmnCode:    cfg.VNPay.TmnCode,
		HashSecret: cfg.VNPay.HashSecret,
		PayURL:     cfg.VNPay.PayURL,
		ReturnURL:  cfg.VNPay.ReturnURL,
		APIURL:     cfg.VNPay.APIURL,
		Version:    cfg.VNPay.Version,
	})

	hub := notify.NewHub(log.Named("notify"))
	hub.AllowOrigins(cfg.HTTP.CORSOrigins...)
	var notifier notify.Notifier = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()

		relay := notify.NewRedisNotifier(rdb, cfg.Redis.Channel, hub, log.Named("notify"))
		notifier = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("payment event relay stopped", zap.Error(err))
			}
		}()
	}

	orders := order.NewService(l, order.Config{
		Gateway:       gw.Name(),
		TTL:           cfg.Payment.TTL,
		SweepInterval: cfg.Payment.SweepInterval,
	}, log.Named("order"))
	orders.StartExpirySweep(ctx)

	h := controllers.New(controllers.Deps{
		DB:           conn,
		Ledger:       l,
		Orders:       orders,
		Gateway:      gw,
		Orchestrator: reconcile.New(gw, l, notifier, log.Named("reconcile")),
		Hub:          hub,
		Log:          log.Named("http"),
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	limiter.StartCleanup(10 * time.Minute)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if containsWildcard(cfg.HTTP.CORSOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.HTTP.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))
	h.Register(r, middleware.RequireAuth(cfg.JWT.Secret), limiter.Middleware())

	return service.Start(ctx, "paymentservice", "", cfg.HTTP.Port, r, log)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
