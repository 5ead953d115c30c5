package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/GoCodeAlone/imagemanifest/config"
	"github.com/GoCodeAlone/imagemanifest/logging"
	"github.com/GoCodeAlone/imagemanifest/manifest"
	"github.com/GoCodeAlone/imagemanifest/notification"
	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// newFlagSet creates a flag set with the shared -config flag.
func newFlagSet(name, usageLine, description string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: manifestctl %s\n\n%s\n\nOptions:\n", usageLine, description)
		fs.PrintDefaults()
	}
	return fs, cfgPath
}

// session is an opened store with an updater on top.
type session struct {
	cfg     *config.Config
	store   objectstore.Store
	updater *manifest.Updater
	close   func() error
}

func open(ctx context.Context, cfgPath string) (*session, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	logger, _, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := cfg.NewStore(ctx)
	if err != nil {
		return nil, err
	}
	updater, err := manifest.New(cfg.Manifest, store, manifest.WithLogger(logger))
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return &session{cfg: cfg, store: store, updater: updater, close: closeStore}, nil
}

func runValidate(args []string) error {
	fs, cfgPath := newFlagSet("validate", "validate [options]", "Validate the configuration.")
	daemon := fs.Bool("daemon", false, "Also validate the notification source and server settings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(*daemon); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "config is valid (bucket %s, manifest %s, strategy %s, storage %s, source %s)\n",
		cfg.Manifest.Bucket, cfg.Manifest.ManifestKey, cfg.Manifest.Strategy, cfg.Storage.Backend, cfg.Source.Type)
	return nil
}

func runShow(args []string) error {
	fs, cfgPath := newFlagSet("show", "show [options]", "Print the stored manifest as JSON.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	s, err := open(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	m, err := s.updater.Snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", data)
	return nil
}

func runAdd(args []string) error {
	fs, cfgPath := newFlagSet("add", "add [options] <key>...", "Record the given objects as if they had just been uploaded.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("at least one object key is required")
	}
	ctx := context.Background()
	s, err := open(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	batch := make([]notification.Notification, 0, fs.NArg())
	for _, key := range fs.Args() {
		batch = append(batch, notification.Notification{Bucket: s.cfg.Manifest.Bucket, Key: key, EventName: "ObjectCreated:Put"})
	}
	if err := s.updater.Apply(ctx, batch); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "recorded %d object(s) in %s\n", len(batch), s.cfg.Manifest.ManifestKey)
	return nil
}

func runRebuild(args []string) error {
	fs, cfgPath := newFlagSet("rebuild", "rebuild [options]", "Reconcile the manifest with the objects in the bucket.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	s, err := open(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	m, err := s.updater.Rebuild(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "manifest %s rebuilt with %d record(s)\n", s.cfg.Manifest.ManifestKey, len(m))
	return nil
}

func runCheck(args []string) error {
	fs, cfgPath := newFlagSet("check", "check [options]", "Verify credentials and access to the manifest location.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	s, err := open(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	if s.cfg.Storage.Backend == config.BackendS3 {
		awsCfg, err := s.cfg.AWSConfig(ctx)
		if err != nil {
			return err
		}
		id, err := s.cfg.NewSTSClient(awsCfg).GetCallerIdentity(ctx, nil)
		if err != nil {
			return fmt.Errorf("aws credentials: %w", err)
		}
		fmt.Fprintf(stdout, "aws identity: %s (account %s)\n", aws.ToString(id.Arn), aws.ToString(id.Account))
	}

	info, err := s.store.Head(ctx, s.cfg.Manifest.ManifestKey)
	switch {
	case objectstore.IsNotFound(err):
		fmt.Fprintf(stdout, "manifest %s does not exist yet\n", s.cfg.Manifest.ManifestKey)
	case err != nil:
		return fmt.Errorf("manifest %s: %w", s.cfg.Manifest.ManifestKey, err)
	default:
		fmt.Fprintf(stdout, "manifest %s: %d bytes, modified %s\n",
			info.Key, info.Size, info.LastModified.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
