// Command node runs a worker node: it accepts control connections from
// controllers and plays guild audio on their behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meftunca/voxlink/pkg/audio"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/server"
	"github.com/meftunca/voxlink/pkg/version"
	"github.com/meftunca/voxlink/pkg/voice"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := common.NewLogger(cfg.Logging.Options())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logger = logger.With("node")

	codec, err := protocol.NewCodec(cfg.Serialization.JSON)
	if err != nil {
		logger.Errorf("Failed to create codec: %v", err)
		os.Exit(1)
	}
	tracks, err := audio.NewTrackCodec(cfg.Track.Encoding)
	if err != nil {
		logger.Errorf("Failed to create track codec: %v", err)
		os.Exit(1)
	}

	started := time.Now()
	srv := server.New(server.OptionsFromConfig(cfg.Server), server.Dependencies{
		Codec:       codec,
		Tracks:      tracks,
		Engine:      audio.SilenceEngine{},
		Cores:       voice.NewDetachedCore,
		Sampler:     server.NewCPUSampler(),
		Metrics:     server.NewMetrics(""),
		Logger:      logger,
		StartedTime: started,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(srv, cfg.Monitoring, started),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("%s listening on %s (%s)", version.String(), addr, srv.Describe())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %v", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Infof("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Close(); err != nil {
		logger.Warnf("Closing control connections: %v", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	logger.Infof("Stopped")
}
