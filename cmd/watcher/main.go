package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-reservation/internal/alerts"
	"github.com/ariefcatur/go-order-reservation/internal/config"
	"github.com/ariefcatur/go-order-reservation/internal/expiry"
	kafkax "github.com/ariefcatur/go-order-reservation/internal/kafka"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/postgres"
	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/ariefcatur/go-order-reservation/internal/reservation"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb, err := redisx.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(context.Background())

	recovery := &expiry.Recovery{
		Orders:       orders.NewRepo(db),
		Reservations: reservation.NewStore(rdb),
		Events:       &orders.Emitter{Producer: prod, Service: cfg.ServiceName + "-watcher"},
		Status:       &redisx.StatusCache{Redis: rdb},
	}
	watcher := &expiry.Watcher{Redis: rdb, Recovery: recovery}
	sweeper := &expiry.Sweeper{
		Recovery: recovery,
		TTL:      cfg.Reservation.TTL,
		Grace:    cfg.Reservation.SweepGrace,
		Batch:    cfg.Reservation.SweepBatch,
	}

	alertSvc := &alerts.Service{
		Repo:        &alerts.PGRepository{DB: db},
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-alerts",
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Alerts.Group, orders.TopicSettlementFaulted, cfg.Alerts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return sweeper.Start(gctx, cfg.Reservation.SweepSpec) })
	g.Go(func() error {
		log.Printf("alerts consumer started: group=%s topic=%s workers=%d",
			cfg.Alerts.Group, orders.TopicSettlementFaulted, cfg.Alerts.Workers)
		return cons.Start(gctx, alertSvc.HandleSettlementFaulted)
	})
	if err := g.Wait(); err != nil {
		log.Printf("watcher exit: %v", err)
	}

	log.Println("shutting down...")
	prod.Close()
	prod.WaitClosed()
}
