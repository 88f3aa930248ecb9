package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-admission-node/api/certifier"
	"github.com/ruteri/tee-admission-node/cmd/flags"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/httpserver"
	"github.com/urfave/cli/v2"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8123",
	Usage: "address to listen on for the certification API",
}

var policyKeyFileFlag = &cli.StringFlag{
	Name:  "policy-key-file",
	Value: "policy_key_file.bin",
	Usage: "policy CA private key file; generated together with the certificate when missing",
}

var policyCertFileFlag = &cli.StringFlag{
	Name:  "policy-cert-file",
	Value: "policy_cert_file.bin",
	Usage: "policy CA certificate file",
}

var policyCNFlag = &cli.StringFlag{
	Name:  "policy-cn",
	Value: "policy-authority",
	Usage: "common name for a newly generated policy CA",
}

var allowMeasurementFlag = &cli.StringSliceFlag{
	Name:  "allow-measurement",
	Usage: "hex-encoded measurement to approve; repeatable",
}

var allowMeasurementFileFlag = &cli.StringSliceFlag{
	Name:  "allow-measurement-file",
	Usage: "file holding a raw 32-byte measurement to approve; repeatable",
}

var serverFlags = append([]cli.Flag{
	listenAddrFlag,
	policyKeyFileFlag,
	policyCertFileFlag,
	policyCNFlag,
	allowMeasurementFlag,
	allowMeasurementFileFlag,
	flags.LogServiceFlagFn("policy-authority"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "certifier",
		Usage: "Policy authority issuing admission certificates for attested nodes",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			ca, err := loadOrGeneratePolicyCA(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up policy CA", "err", err)
				return err
			}

			policy := certifier.NewAllowlistPolicy()
			for _, measurementHex := range cCtx.StringSlice(allowMeasurementFlag.Name) {
				if err := policy.AllowHex(measurementHex); err != nil {
					logger.Error("Invalid measurement", "measurement", measurementHex, "err", err)
					return err
				}
			}
			for _, path := range cCtx.StringSlice(allowMeasurementFileFlag.Name) {
				if err := policy.AllowFromFile(path); err != nil {
					logger.Error("Could not load measurement file", "file", path, "err", err)
					return err
				}
			}

			handler := certifier.NewHandler(ca, policy, logger)

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Policy authority is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadOrGeneratePolicyCA(cCtx *cli.Context, logger *slog.Logger) (*cryptoutils.PolicyCA, error) {
	keyPath := cCtx.String(policyKeyFileFlag.Name)
	certPath := cCtx.String(policyCertFileFlag.Name)

	keyPEM, keyErr := os.ReadFile(keyPath)
	certPEM, certErr := os.ReadFile(certPath)

	if keyErr == nil && certErr == nil {
		return cryptoutils.NewPolicyCA(keyPEM, certPEM)
	}

	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, keyErr
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, certErr
	}
	if os.IsNotExist(keyErr) != os.IsNotExist(certErr) {
		return nil, fmt.Errorf("policy CA key and certificate must both exist or both be absent")
	}

	logger.Info("Generating new policy CA",
		"cn", cCtx.String(policyCNFlag.Name),
		"keyFile", keyPath,
		"certFile", certPath)

	ca, newKeyPEM, err := cryptoutils.GeneratePolicyCA(cCtx.String(policyCNFlag.Name))
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(keyPath, newKeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("could not persist policy CA key: %w", err)
	}
	if err := os.WriteFile(certPath, ca.Cert(), 0o644); err != nil {
		return nil, fmt.Errorf("could not persist policy CA certificate: %w", err)
	}

	return ca, nil
}
