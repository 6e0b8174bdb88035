package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/approval"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

// updateStack is the artifact pipeline shared by serve and the one-shot
// update commands.
type updateStack struct {
	store   *artifact.Store
	gate    *approval.Gate
	updater *updater.Updater
	signer  *updater.Signer
}

// loadSigner returns nil when no key material is configured
func loadSigner(cfg SigningConfig) (*updater.Signer, error) {
	if cfg.Key == "" && cfg.PublicKey == "" {
		cfg.PublicKey = os.Getenv(updater.EnvPublicKey)
	}
	if cfg.Key == "" && cfg.PublicKey == "" {
		return nil, nil
	}
	signer, err := updater.NewSigner(cfg.Key, cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return signer, nil
}

func tokenValidator(cfg ApprovalConfig) approval.TokenValidator {
	if cfg.Secret != "" {
		return approval.HMACTokenValidator{Secret: []byte(cfg.Secret)}
	}
	return approval.NonEmptyToken{}
}

func openUpdateStack(ctx context.Context, cfg *Config, logger *slog.Logger, events updater.EventPublisher) (*updateStack, error) {
	storeOpts := []artifact.Option{artifact.WithLogger(logger)}
	if cfg.Mirror.S3.Bucket != "" {
		mirror, err := artifact.NewS3Mirror(ctx, cfg.Mirror.S3)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, artifact.WithMirror(mirror))
		logger.Info("mirroring staged artifacts", "bucket", cfg.Mirror.S3.Bucket, "prefix", cfg.Mirror.S3.Prefix)
	}
	store, err := artifact.NewStore(cfg.StagingDir, storeOpts...)
	if err != nil {
		return nil, err
	}

	gate, err := approval.NewGate(cfg.SuggestionsDir,
		approval.WithValidator(tokenValidator(cfg.Approval)),
		approval.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	signer, err := loadSigner(cfg.Signing)
	if err != nil {
		return nil, err
	}

	opts := []updater.Option{updater.WithLogger(logger)}
	if events != nil {
		opts = append(opts, updater.WithEventPublisher(events))
	}
	if signer != nil {
		verifier, err := updater.NewEd25519Verifier(signer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, updater.WithVerifier(verifier))
	} else {
		logger.Warn("no signing key configured; every artifact will fail verification",
			"hint", "set signing.public_key or "+updater.EnvPublicKey)
	}

	u, err := updater.New(store, gate, cfg.BackupDir, opts...)
	if err != nil {
		return nil, err
	}
	return &updateStack{store: store, gate: gate, updater: u, signer: signer}, nil
}

// withUpdateStack opens the journal and the artifact pipeline for a one-shot
// command so its events land in the same journal serve writes to.
func withUpdateStack(ctx context.Context, fn func(*updateStack) error) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	j, err := journal.Open(ctx, cfg.Journal.Path, journal.WithLogger(logger))
	if err != nil {
		return err
	}
	defer j.Close()

	st, err := openUpdateStack(ctx, cfg, logger, j)
	if err != nil {
		return err
	}
	return fn(st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
