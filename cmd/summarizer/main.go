package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/api"
	"github.com/ptrus/rofl-x402-service/internal/attest"
	"github.com/ptrus/rofl-x402-service/internal/config"
	"github.com/ptrus/rofl-x402-service/internal/inference"
	"github.com/ptrus/rofl-x402-service/internal/jobs"
	"github.com/ptrus/rofl-x402-service/internal/ledger"
	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/pipeline"
	"github.com/ptrus/rofl-x402-service/internal/rpc"
	"github.com/ptrus/rofl-x402-service/internal/signing"
	"github.com/ptrus/rofl-x402-service/internal/sink"
	"github.com/ptrus/rofl-x402-service/internal/worker"
)

// chainLookback bounds the log search for the settling transaction, about
// three hours of Base blocks.
const chainLookback = 5000

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional, environment is always applied)")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	configureLogger(cfg.Log)

	// Prepare cancellable context that listens to OS signals (Ctrl+C).
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("interrupt received, shutting down gracefully…")
		cancel()
	}()

	keySigner, err := buildKeySigner(ctx, cfg.Signing)
	if err != nil {
		log.Fatalf("failed to initialise signing key: %v", err)
	}
	signer := signing.NewResponseSigner(keySigner, cfg.Signing.Mode)
	logrus.WithFields(logrus.Fields{"mode": cfg.Signing.Mode, "public_key": signer.PublicKeyHex()}).Info("Response signing ready")

	attestor, err := attest.New(cfg.Attestation.Provider)
	if err != nil {
		log.Fatalf("failed to initialise attestation: %v", err)
	}
	var quote []byte
	if attestor != nil {
		quote, err = attestor.Attest(attest.ReportData(keySigner.PublicKey()))
		if err != nil {
			log.Fatalf("failed to attest signing key: %v", err)
		}
		logrus.Infof("Signing key attested | type=%s quote_bytes=%d", attestor.AttestationType(), len(quote))
	}

	policy, err := payment.NewPolicy(cfg.Payment)
	if err != nil {
		log.Fatalf("invalid payment config: %v", err)
	}
	settler, err := buildSettler(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialise settlement: %v", err)
	}

	l, err := ledger.Open(ctx, cfg.Ledger, cfg.Retry)
	if err != nil {
		log.Fatalf("failed to open payment ledger: %v", err)
	}
	defer l.Close()
	go ledger.RunPruner(ctx, l, time.Duration(cfg.Ledger.RetentionHours)*time.Hour, time.Hour)

	audit, err := sink.Open(cfg.Audit, cfg.Retry)
	if err != nil {
		log.Fatalf("failed to initialise audit sink: %v", err)
	}
	defer audit.Close()

	backend, err := inference.New(cfg.Inference)
	if err != nil {
		log.Fatalf("failed to initialise inference backend: %v", err)
	}

	store := jobs.NewStore()
	pool := worker.New(store, backend, signer, worker.Options{
		Workers:       cfg.Worker.Workers,
		QueueSize:     cfg.Worker.QueueSize,
		Timeout:       time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Worker.SweepIntervalMS) * time.Millisecond,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	p := pipeline.New(policy, payment.NewVerifier(settler), l, store, pool, audit)

	opts := api.Options{
		PublicURL:   cfg.Server.PublicURL,
		AdminToken:  cfg.Server.AdminToken,
		CORSOrigins: cfg.Server.CORSOrigins,
		Provider:    backend.Name(),
		Attestation: quote,
	}
	if attestor != nil {
		opts.AttestationType = attestor.AttestationType()
	}
	srv := api.NewServer(p, pool, signer, opts)

	logrus.WithFields(logrus.Fields{
		"price":      policy.DisplayPrice(),
		"network":    policy.Network,
		"pay_to":     policy.PayTo.Hex(),
		"settlement": cfg.Payment.Settlement,
		"ledger":     cfg.Ledger.Type,
		"provider":   backend.Name(),
	}).Infof("Serving %s", srv.Resource())

	if err := srv.Run(ctx, cfg.Server.Port); err != nil {
		logrus.Errorf("server stopped with error: %v", err)
		cancel()
	}
	<-poolDone
}

func configureLogger(cfg config.LogConfig) {
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func buildKeySigner(ctx context.Context, cfg config.SigningConfig) (*signing.ECDSASigner, error) {
	switch cfg.Mode {
	case "disabled":
		logrus.Warn("Signing with the well-known test key; signatures prove nothing about this instance")
		return signing.NewTestSigner(), nil
	case "ephemeral":
		logrus.Warn("Signing with an ephemeral key that changes on every restart")
		return signing.NewEphemeralSigner()
	case "key":
		return signing.LoadOrGenerateKeyFile(cfg.KeyFile)
	case "production":
		km := signing.NewKeymanager(cfg.KeymanagerSocket)
		s, err := km.GenerateSigner(ctx, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		md := map[string]string{"signing_public_key": hex.EncodeToString(s.PublicKey())}
		if err := km.SetMetadata(ctx, md); err != nil {
			logrus.WithError(err).Warn("Could not publish signing key to instance metadata")
		}
		return s, nil
	default:
		return nil, signing.ErrSigningUnavailable
	}
}

func buildSettler(ctx context.Context, cfg *config.Config) (payment.Settler, error) {
	switch cfg.Payment.Settlement {
	case "facilitator":
		return payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, nil), nil
	case "chain":
		client, err := rpc.Dial(ctx, cfg.RPCURL, cfg.Retry)
		if err != nil {
			return nil, err
		}
		return payment.NewChainSettler(client, chainLookback), nil
	default:
		logrus.Warn("Payment proofs are verified locally only; settlement is not confirmed")
		return payment.NoopSettler{}, nil
	}
}
