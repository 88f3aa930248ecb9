// Package flags defines the CLI flags and logger setup shared by the
// project's binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var OperationFlag = &cli.StringFlag{
	Name:     "operation",
	Required: true,
	Usage:    "lifecycle operation to run: cold-init, get-certified, run-app-as-client, run-app-as-server",
}

var DataDirFlag = &cli.StringFlag{
	Name:  "data-dir",
	Value: "./app_data",
	Usage: "directory holding the policy store and provisioned files",
}

var PolicyStoreFlag = &cli.StringFlag{
	Name:  "policy-store",
	Value: "store.bin",
	Usage: "policy store location: a file name under data-dir or a backend URI (file://, vault://, s3://)",
}

var PolicyCertFileFlag = &cli.StringFlag{
	Name:  "policy-cert-file",
	Value: "policy_cert_file.bin",
	Usage: "policy root anchor certificate file under data-dir",
}

var PolicyHostFlag = &cli.StringFlag{
	Name:  "policy-host",
	Value: "localhost",
	Usage: "policy authority host",
}

var PolicyPortFlag = &cli.IntFlag{
	Name:  "policy-port",
	Value: 8123,
	Usage: "policy authority port",
}

var ServerAppHostFlag = &cli.StringFlag{
	Name:  "server-app-host",
	Value: "localhost",
	Usage: "application server host",
}

var ServerAppPortFlag = &cli.IntFlag{
	Name:  "server-app-port",
	Value: 8124,
	Usage: "application server port",
}

var PubkeyAlgFlag = &cli.StringFlag{
	Name:  "pubkey-alg",
	Value: "rsa-2048",
	Usage: "identity key algorithm: rsa-2048, rsa-3072, ecdsa-p256, ed25519",
}

var SymmetricAlgFlag = &cli.StringFlag{
	Name:  "symmetric-alg",
	Value: "aes-256-gcm",
	Usage: "symmetric algorithm recorded for sealing",
}

var DomainNameFlag = &cli.StringFlag{
	Name:  "domain-name",
	Value: "datica-test",
	Usage: "trust domain name bound into the admission certificate",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "dummy",
	Usage: "attestation mechanism: qemu-tdx, dummy",
}

var MeasurementFileFlag = &cli.StringFlag{
	Name:  "measurement-file",
	Value: "example_app.measurement",
	Usage: "file under data-dir holding this binary's measurement (dummy attestation only)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
