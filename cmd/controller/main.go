// Command controller connects to the configured worker nodes and serves the
// admin API. Gateway traffic is logged rather than forwarded; bots embed
// pkg/client with their own Gateway instead.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meftunca/voxlink/pkg/admin"
	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/client"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/version"
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
	if err := run(cfg, logger.With("controller")); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger common.Logger) error {
	codec, err := protocol.NewCodec(cfg.Serialization.JSON)
	if err != nil {
		return err
	}
	store, err := balancer.NewAssignmentStore(cfg.Assignments)
	if err != nil {
		return err
	}
	defer store.Close()

	ctrl, err := client.New(cfg.Controller.NumShards, cfg.Controller.UserID,
		client.LoggingGateway{Logger: logger},
		client.FromConfig(cfg.Controller),
		client.WithStore(store),
		client.WithCodec(codec),
		client.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	logger.Infof("%s starting with %d shards, assignments in %s",
		version.String(), cfg.Controller.NumShards, cfg.Assignments.Type)

	for _, n := range cfg.Controller.Nodes {
		if _, err := ctrl.AddNode(n.Name, n.URI, n.Password); err != nil {
			return err
		}
	}

	var api *admin.Server
	if cfg.Controller.Admin.Enabled {
		api = admin.New(ctrl, cfg.Controller.Admin, codec, logger)
		go func() {
			if err := api.Listen(); err != nil {
				logger.Errorf("admin API stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Infof("Shutting down")
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.Shutdown(ctx); err != nil {
			logger.Warnf("admin shutdown: %v", err)
		}
	}
	return nil
}
