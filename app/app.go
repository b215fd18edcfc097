package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/config"
	"github.com/bibliotecavirtual/reservation-service/internal/handler"
	"github.com/bibliotecavirtual/reservation-service/internal/repository"
	"github.com/bibliotecavirtual/reservation-service/internal/server"
	"github.com/bibliotecavirtual/reservation-service/internal/service"
	"github.com/bibliotecavirtual/reservation-service/migrations"
	"github.com/bibliotecavirtual/reservation-service/pkg/kafka"
	"github.com/bibliotecavirtual/reservation-service/pkg/logger"
	"github.com/bibliotecavirtual/reservation-service/pkg/postgres"
)

func Run(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, "reservation")
	db, err := postgres.NewPostgresDB(context.Background(), &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return fmt.Errorf("db init %v", err)
	}
	repo, err := repository.NewRepository(db, log)
	if err != nil {
		return fmt.Errorf("repo init %v", err)
	}

	publisher := service.NewNopPublisher()
	if len(cfg.Kafka.Addrs) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka producer %v", err)
		}
		defer producer.Close() //nolint:errcheck
		publisher = service.NewPublisher(producer)
	}

	svc := service.NewService(repo, publisher, log,
		service.WithHoldWindow(cfg.Reservation.HoldWindow))

	sweeper := service.NewSweeper(svc, cfg.Reservation.SweepInterval, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("sweeper start %v", err)
	}

	h := handler.New(svc, log)
	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)))
	go func() {
		if err := srv.Run(); err != nil {
			log.Error("server run", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	termSig := <-sig

	log.Debug("Graceful shutdown", zap.Any("signal", termSig))

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err = srv.Stop(closeCtx); err != nil {
		log.Error("srv.Stop", zap.Error(err))
	}
	sweeper.Stop(closeCtx)
	db.Close()
	log.Info("Graceful shutdown finished")
	return nil
}
