package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/uscar-it/submission-pipeline/internal/awsutil"
	"github.com/uscar-it/submission-pipeline/internal/config"
	"github.com/uscar-it/submission-pipeline/internal/ddb"
	"github.com/uscar-it/submission-pipeline/internal/events"
	"github.com/uscar-it/submission-pipeline/internal/reprocess"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const processorVersion = "1.0"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	env := config.MustLoad()
	if env.QueueURL == "" {
		log.Error("QUEUE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, endpoint, err := awsutil.Load(ctx, env.Region)
	if err != nil {
		log.Error("load aws config", "err", err)
		os.Exit(1)
	}

	s3c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})
	store := &s3io.Gateway{Client: s3c, LocalDir: env.LocalFallbackDir, Log: log}

	w := &reprocess.Worker{
		Queue:         sqs.NewFromConfig(cfg),
		QueueURL:      env.QueueURL,
		DeadLetterURL: env.DeadLetterURL,
		Store:         store,
		Quar: &scan.Quarantiner{
			Store:       store,
			Bucket:      env.QuarantineBucket,
			CopyTimeout: env.CopyWaitTimeout,
			Log:         log,
		},
		Events: &events.Publisher{
			Client: eventbridge.NewFromConfig(cfg),
			Bus:    env.EventBusName,
			Source: "submission-pipeline.reprocessor",
			Log:    log,
		},
		Ledger:          &ddb.Repo{DB: dynamodb.NewFromConfig(cfg), Table: env.Table},
		ScanTagKey:      env.ScanTagKey,
		ProcessedBucket: env.ProcessedBucket,
		Version:         processorVersion,
		Log:             log,
	}

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
