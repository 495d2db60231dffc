package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/awsutil"
	"github.com/uscar-it/submission-pipeline/internal/config"
	"github.com/uscar-it/submission-pipeline/internal/ddb"
	"github.com/uscar-it/submission-pipeline/internal/email"
	"github.com/uscar-it/submission-pipeline/internal/intake"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/oklog/ulid/v2"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	env := config.MustLoad()
	cfg, endpoint, err := awsutil.Load(context.Background(), env.Region)
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

	// Submission timestamps use Eastern time; storage keys partition by the
	// same clock so a day boundary means the same thing everywhere.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
		log.Warn("eastern tz unavailable, using UTC", "err", err)
	}

	app := &intake.App{
		Env:    env,
		Store:  store,
		Ledger: &ddb.Repo{DB: dynamodb.NewFromConfig(cfg), Table: env.Table},
		Mail: &email.Sender{
			Client:  sesv2.NewFromConfig(cfg),
			From:    env.EmailSender,
			Enabled: env.EmailEnabled,
			Log:     log,
		},
		Quar: &scan.Quarantiner{
			Store:       store,
			Bucket:      env.QuarantineBucket,
			CopyTimeout: env.CopyWaitTimeout,
			Log:         log,
		},
		Log:   log,
		Now:   func() time.Time { return time.Now().In(loc) },
		NewID: func() string { return ulid.Make().String() },
		Sleep: time.Sleep,
	}

	lambda.Start(app.Handle)
}
