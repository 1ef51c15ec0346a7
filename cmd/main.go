package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/angeloszaimis/evproxy/config"
	"github.com/angeloszaimis/evproxy/pkg/logger"
)

const (
	// workerEnv carries the worker number into a re-executed child; its
	// presence makes the process a worker.
	workerEnv = "EVPROXY_WORKER"
	// listenFdsEnv is the number of inherited listening sockets, starting at
	// fd 3.
	listenFdsEnv = "EVPROXY_LISTEN_FDS"
	// mutexFdEnv is the inherited descriptor of the accept mutex segment.
	mutexFdEnv = "EVPROXY_MUTEX_FD"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	if id, ok := os.LookupEnv(workerEnv); ok {
		n, err := strconv.Atoi(id)
		if err != nil {
			log.Error("Invalid worker number", slog.String("value", id))
			os.Exit(1)
		}
		if err := runWorker(cfg, logger.ForWorker(log, n), n); err != nil {
			log.Error("Worker failed", slog.Int("worker", n), slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	if err := runMaster(cfg, log); err != nil {
		log.Error("Master failed", slog.Any("err", err))
		os.Exit(1)
	}
}
