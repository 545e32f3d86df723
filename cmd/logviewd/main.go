package main

import (
	"flag"
	"fmt"
	"log"

	"logview/internal/config"
)

func main() {
	cfgPath := flag.String("config", "logview.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	fmt.Printf("logviewd provider=%s (default=%t, stage=%d) log_backend=%s policy=%s cluster=%s transports(socket=%t kafka=%t rabbitmq=%t)\n",
		cfg.Provider.Name,
		cfg.Provider.Default,
		cfg.Provider.InitStage,
		cfg.Log.Backend,
		cfg.Snapshot.Policy,
		cfg.Notify.Cluster,
		cfg.Notify.Socket.Enabled,
		cfg.Notify.Kafka.Enabled,
		cfg.Notify.RabbitMQ.Enabled,
	)
}
