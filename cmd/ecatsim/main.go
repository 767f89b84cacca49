package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/ecatmotor/internal/config"
	"github.com/KevinKickass/ecatmotor/internal/gateway"
	"github.com/KevinKickass/ecatmotor/internal/sim"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	listen := flag.String("listen", "", "listen address, overrides sim.listen")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Sim.Listen = *listen
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	stuck := make(map[int]uint16, len(cfg.Sim.StuckUnits))
	for _, u := range cfg.Sim.StuckUnits {
		stuck[u.Unit] = u.StatusCode
	}
	master := sim.New(sim.Config{
		Units:         cfg.Sim.Units,
		StuckUnits:    stuck,
		PulsesPerPoll: cfg.Sim.PulsesPerPoll,
	}, logger)

	server := gateway.NewServer(master, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received")
		server.Close()
	}()

	logger.Info("Simulated EtherCAT network listening",
		zap.String("address", cfg.Sim.Listen),
		zap.Int("units", cfg.Sim.Units))
	if err := server.ListenAndServe(cfg.Sim.Listen); err != nil && !errors.Is(err, gateway.ErrServerClosed) {
		logger.Fatal("Gateway server failed", zap.Error(err))
	}
}
