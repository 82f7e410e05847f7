package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/checkout"
	"github.com/ariefcatur/go-order-reservation/internal/config"
	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-reservation/internal/kafka"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/payment"
	"github.com/ariefcatur/go-order-reservation/internal/postgres"
	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/ariefcatur/go-order-reservation/internal/reservation"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
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
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb, err := redisx.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	// Kafka producer, topic dipilih per event
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(context.Background())
	events := &orders.Emitter{Producer: prod, Service: cfg.ServiceName}

	repo := orders.NewRepo(db)
	store := reservation.NewStore(rdb)
	vouchers := discount.NewService(&discount.PGRepository{DB: db})
	status := &redisx.StatusCache{Redis: rdb}

	co := &checkout.Service{
		Orders:             repo,
		Discounts:          vouchers,
		Reservations:       store,
		Gateway:            payment.NewClient(cfg.MoMo),
		Locker:             &redisx.CartLocker{Redis: rdb, TTL: cfg.Checkout.LockTTL},
		Events:             events,
		ReservationTTL:     cfg.Reservation.TTL,
		DefaultShippingFee: decimal.NewFromInt(cfg.Checkout.DefaultShippingFee),
	}
	settlement := &payment.Settlement{
		Orders:           repo,
		Reservations:     store,
		Signer:           payment.Signer{AccessKey: cfg.MoMo.AccessKey, SecretKey: cfg.MoMo.SecretKey},
		AmountMultiplier: cfg.MoMo.AmountMultiplier,
		Events:           events,
		Status:           status,
	}

	router := httpx.NewRouter()
	(&httpx.Handler{
		Checkout: co,
		Vouchers: vouchers,
		IPN:      settlement,
		Orders:   repo,
		Status:   status,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("api exit: %v", err)
	}

	prod.Close()      // tutup inbox -> flush & close writer
	prod.WaitClosed() // drain
}
