package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// Pull-mode intake for deployments that cannot expose the push endpoint.
func main() {
	maxOutstanding := flag.Int("max-outstanding", 10, "Maximum unacked messages held at once")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before receiving")
	flag.Parse()

	logger := config.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry()
	}
	if *migrate {
		if err := models.MigrateTable(); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pubsub client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	sub, err := config.RecognitionSubscription(ctx, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscription: %v\n", err)
		os.Exit(1)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = *maxOutstanding

	logger.WithFields(logrus.Fields{"subscription": sub.ID()}).Info("receiving recognition results")
	err = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg, err := workflow.DecodeRecognitionMessage(m.Data)
		if err != nil {
			config.LogError(logger, "recognition-subscriber", "Receive", "DecodeRecognitionMessage", m.ID, err)
			m.Ack()
			return
		}
		if _, err := workflow.ProcessRecognitionMessage(ctx, logger, msg, m.ID); err != nil && !workflow.IsPermanent(err) {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "receive: %v\n", err)
		os.Exit(1)
	}
}
