// Command manifest-lambda is the AWS Lambda entry point. It is invoked by
// S3 event notifications, directly or through SQS or SNS, and keeps the
// bucket's image manifest in step with uploads and deletions.
//
// Configuration comes from the environment; IMAGEMANIFEST_BUCKET is
// required. See the config package for the full list of variables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/GoCodeAlone/imagemanifest/config"
	"github.com/GoCodeAlone/imagemanifest/logging"
	"github.com/GoCodeAlone/imagemanifest/manifest"
	"github.com/GoCodeAlone/imagemanifest/notification"
	"github.com/GoCodeAlone/imagemanifest/observability/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	// CloudWatch is easier to query with JSON lines.
	if _, ok := os.LookupEnv("IMAGEMANIFEST_LOG_FORMAT"); !ok {
		cfg.Log.Format = "json"
	}

	h, shutdown, err := setup(context.Background(), cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	lambda.StartWithOptions(h.Invoke, lambda.WithEnableSIGTERM(shutdown))
}

// handler adapts the updater to the Lambda invocation contract.
type handler struct {
	updater  *manifest.Updater
	provider *tracing.Provider
	tracer   *tracing.UpdateTracer
	logger   *slog.Logger
}

// setup builds the handler from cfg. The returned shutdown function
// flushes traces and releases the store.
func setup(ctx context.Context, cfg *config.Config, logOut io.Writer) (*handler, func(), error) {
	if err := cfg.Validate(false); err != nil {
		return nil, nil, err
	}
	logger, _, err := logging.New(logOut, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	provider, err := tracing.NewProvider(ctx, cfg.Tracing, tracing.WithBucket(cfg.Manifest.Bucket))
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := cfg.NewStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	tracer := provider.UpdateTracer()
	updater, err := manifest.New(cfg.Manifest, store,
		manifest.WithLogger(logger),
		manifest.WithTracer(tracer),
	)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	shutdown := func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("Trace flush failed", "error", err)
		}
		if err := closeStore(); err != nil {
			logger.Warn("Store close failed", "error", err)
		}
	}
	return &handler{updater: updater, provider: provider, tracer: tracer, logger: logger}, shutdown, nil
}

// Invoke handles one event. The payload may be an S3 event, an SQS event
// wrapping S3 events or an SNS envelope. Test events succeed without
// touching the manifest. Spans are flushed before returning since the
// runtime may freeze the process between invocations.
func (h *handler) Invoke(ctx context.Context, payload json.RawMessage) (manifest.Response, error) {
	resp := h.invoke(ctx, payload)
	if err := h.provider.Flush(ctx); err != nil {
		h.logger.Warn("Trace flush failed", "error", err)
	}
	return resp, nil
}

func (h *handler) invoke(ctx context.Context, payload json.RawMessage) manifest.Response {
	ctx, span := h.tracer.StartDelivery(ctx, "lambda")
	defer span.End()

	notes, err := notification.Decode(payload)
	if err != nil {
		h.tracer.RecordError(span, err)
		h.logger.Error("Unusable event payload", "error", err)
		return manifest.Response{StatusCode: 500, Body: manifest.FailureMessage}
	}
	if len(notes) == 0 {
		h.logger.Info("Test event acknowledged")
		return manifest.Response{StatusCode: 200, Body: manifest.SuccessMessage}
	}

	resp := h.updater.Handle(ctx, notes)
	if resp.StatusCode != 200 {
		h.tracer.RecordError(span, fmt.Errorf("update failed for %d notifications", len(notes)))
	}
	return resp
}
