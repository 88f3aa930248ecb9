package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ruteri/tee-admission-node/cmd/flags"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/policystore"
	"github.com/ruteri/tee-admission-node/securechannel"
	"github.com/ruteri/tee-admission-node/trustmgr"
	"github.com/urfave/cli/v2"
)

const (
	clientMessage = "Hi from your secret client\n"
	serverMessage = "Hi from your secret server\n"
)

var appFlags = append([]cli.Flag{
	flags.OperationFlag,
	flags.DataDirFlag,
	flags.PolicyStoreFlag,
	flags.PolicyCertFileFlag,
	flags.PolicyHostFlag,
	flags.PolicyPortFlag,
	flags.ServerAppHostFlag,
	flags.ServerAppPortFlag,
	flags.PubkeyAlgFlag,
	flags.SymmetricAlgFlag,
	flags.DomainNameFlag,
	flags.AttestationTypeFlag,
	flags.MeasurementFileFlag,
	flags.LogServiceFlagFn("admission-node"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "sample-app",
		Usage: "Attested sample application exchanging messages over admission-authenticated channels",
		Flags: appFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			operation := cCtx.String(flags.OperationFlag.Name)
			switch operation {
			case "cold-init", "get-certified", "run-app-as-client", "run-app-as-server":
			default:
				fmt.Printf("Unknown operation %q\n\n", operation)
				cli.ShowAppHelp(cCtx)
				return nil
			}

			manager, err := setupTrustManager(cCtx, logger)
			if err != nil {
				return err
			}
			defer manager.ClearSensitiveData()

			ctx := cCtx.Context
			switch operation {
			case "cold-init":
				return runColdInit(ctx, cCtx, manager)
			case "get-certified":
				return runGetCertified(ctx, manager)
			case "run-app-as-client":
				return runClient(ctx, manager, logger)
			case "run-app-as-server":
				return runServer(ctx, manager, logger)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupTrustManager(cCtx *cli.Context, logger *slog.Logger) (*trustmgr.TrustManager, error) {
	dataDir := cCtx.String(flags.DataDirFlag.Name)

	storeLocation := cCtx.String(flags.PolicyStoreFlag.Name)
	if !strings.Contains(storeLocation, "://") {
		storeLocation = "file://" + filepath.Join(dataDir, storeLocation)
	}

	backend, err := policystore.NewBackendFactory(logger).BackendFor(storeLocation)
	if err != nil {
		return nil, err
	}

	sealingKey, err := loadOrCreateSealingKey(filepath.Join(dataDir, "sealing_key.bin"))
	if err != nil {
		return nil, err
	}

	store, err := policystore.New(backend, sealingKey, logger)
	if err != nil {
		return nil, err
	}

	attestation, err := setupAttestation(cCtx)
	if err != nil {
		return nil, err
	}

	manager, err := trustmgr.New(trustmgr.Config{
		Store:       store,
		Attestation: attestation,
		Log:         logger,
	})
	if err != nil {
		return nil, err
	}

	anchorPEM, err := os.ReadFile(filepath.Join(dataDir, cCtx.String(flags.PolicyCertFileFlag.Name)))
	if err != nil {
		return nil, fmt.Errorf("could not read policy root anchor: %w", err)
	}
	if err := manager.InitPolicyKey(anchorPEM); err != nil {
		return nil, err
	}
	if err := manager.InitializeEnclave(nil); err != nil {
		return nil, err
	}

	return manager, nil
}

func setupAttestation(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	attestationType, err := cryptoutils.AttestationTypeFromString(cCtx.String(flags.AttestationTypeFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("unsupported attestation type %q", cCtx.String(flags.AttestationTypeFlag.Name))
	}

	if attestationType == cryptoutils.DCAPAttestation {
		return cryptoutils.DCAPAttestationProvider{}, nil
	}

	// Dummy attestation carries the binary's own measurement, taken from
	// the provisioned measurement file when present.
	measurementPath := filepath.Join(
		cCtx.String(flags.DataDirFlag.Name),
		cCtx.String(flags.MeasurementFileFlag.Name))

	measurement, err := os.ReadFile(measurementPath)
	if os.IsNotExist(err) {
		self, selfErr := os.Executable()
		if selfErr != nil {
			return nil, selfErr
		}
		m, selfErr := cryptoutils.MeasureFile(self)
		if selfErr != nil {
			return nil, selfErr
		}
		measurement = m
	} else if err != nil {
		return nil, fmt.Errorf("could not read measurement file: %w", err)
	}

	if len(measurement) != cryptoutils.MeasurementSize {
		return nil, fmt.Errorf("measurement file holds %d bytes, want %d", len(measurement), cryptoutils.MeasurementSize)
	}

	return cryptoutils.DummyAttestationProvider{Measurement: measurement}, nil
}

// loadOrCreateSealingKey stands in for platform sealing on hosts without
// one: a random key generated once and kept alongside the store.
func loadOrCreateSealingKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read sealing key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("could not persist sealing key: %w", err)
	}
	return key, nil
}

func runColdInit(ctx context.Context, cCtx *cli.Context, manager *trustmgr.TrustManager) error {
	return manager.ColdInit(ctx, trustmgr.ColdInitParams{
		PubkeyAlg:    cCtx.String(flags.PubkeyAlgFlag.Name),
		SymmetricAlg: cCtx.String(flags.SymmetricAlgFlag.Name),
		DomainName:   cCtx.String(flags.DomainNameFlag.Name),
		PolicyHost:   cCtx.String(flags.PolicyHostFlag.Name),
		PolicyPort:   cCtx.Int(flags.PolicyPortFlag.Name),
		AppHost:      cCtx.String(flags.ServerAppHostFlag.Name),
		AppPort:      cCtx.Int(flags.ServerAppPortFlag.Name),
	})
}

func runGetCertified(ctx context.Context, manager *trustmgr.TrustManager) error {
	if err := manager.WarmRestart(ctx); err != nil {
		return err
	}
	return manager.CertifyMe(ctx)
}

func runClient(ctx context.Context, manager *trustmgr.TrustManager, logger *slog.Logger) error {
	if err := manager.WarmRestart(ctx); err != nil {
		return err
	}

	rec := manager.Record()
	addr := fmt.Sprintf("%s:%d", rec.AppHost, rec.AppPort)

	ch, err := manager.OpenChannel(ctx, addr)
	if err != nil {
		return err
	}
	defer ch.Close()

	logger.Info("Connected to server", "addr", addr, "peer", ch.PeerID())

	if err := ch.Write([]byte(clientMessage)); err != nil {
		return err
	}

	reply, err := ch.Read()
	if err != nil {
		return err
	}

	fmt.Printf("Client received: %s", reply)
	return nil
}

func runServer(ctx context.Context, manager *trustmgr.TrustManager, logger *slog.Logger) error {
	if err := manager.WarmRestart(ctx); err != nil {
		return err
	}

	rec := manager.Record()
	addr := fmt.Sprintf("%s:%d", rec.AppHost, rec.AppPort)

	dispatcher, err := manager.NewDispatcher(addr)
	if err != nil {
		return err
	}

	logger.Info("Serving", "addr", dispatcher.Addr().String())

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- dispatcher.Serve(func(ch *securechannel.Channel) {
			msg, err := ch.Read()
			if err != nil {
				logger.Warn("Session ended before a message arrived", "peer", ch.PeerID(), "err", err)
				return
			}

			fmt.Printf("Server received from %s: %s", ch.PeerID(), msg)

			if err := ch.Write([]byte(serverMessage)); err != nil {
				logger.Warn("Could not respond", "peer", ch.PeerID(), "err", err)
			}
		})
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-exit:
		logger.Info("Shutdown signal received")
		dispatcher.Shutdown()
		return <-serveDone
	case err := <-serveDone:
		return err
	}
}
