// Package cmd holds flag/logging/version scaffolding shared by rconfd's
// entrypoint, generalised from theatre's cmd/helpers.go: the zap-backed
// logr.Logger construction and VersionStanza are kept essentially
// verbatim; the Kubernetes manager metrics flags and controller-runtime
// logger registration are dropped since rconfd is a standalone daemon, not
// a controller (see DESIGN.md).
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/alecthomas/kingpin"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type CommonOptions struct {
	Debug         bool
	Metrics       bool
	MetricAddress string
	MetricPort    uint16
}

func NewCommonOptions(cmd *kingpin.Application) *CommonOptions {
	opt := &CommonOptions{}

	cmd.Flag("debug", "Enable debug logging").Short('v').Default("false").BoolVar(&opt.Debug)
	cmd.Flag("metrics", "Serve a Prometheus /metrics endpoint").Short('D').Default("false").BoolVar(&opt.Metrics)
	cmd.Flag("metrics-address", "Address to bind the metrics listener").Default("127.0.0.1").StringVar(&opt.MetricAddress)
	cmd.Flag("metrics-port", "Port to bind the metrics listener").Default("9525").Uint16Var(&opt.MetricPort)

	return opt
}

func (opt *CommonOptions) Logger() logr.Logger {
	// While debugging, it may be useful to provide debug log lines that
	// include sensitive or large payloads.
	logLevel := zapcore.InfoLevel
	if opt.Debug {
		logLevel = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zaplogfmt.NewEncoder(zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "msg",
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}),
		zapcore.Lock(os.Stderr),
		logLevel,
	)

	return zapr.NewLogger(zap.New(core))
}

// ListenAndServeMetrics starts the Prometheus metrics endpoint in the
// background when opt.Metrics is set. It never returns an error to the
// caller - a failed metrics listener is logged and does not affect the
// manifestation pipeline.
func (opt *CommonOptions) ListenAndServeMetrics(logger logr.Logger) {
	if !opt.Metrics {
		return
	}

	logger.Info("listening on metrics", "event", "metrics.listen", "address", opt.MetricAddress, "port", opt.MetricPort)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		addr := fmt.Sprintf("%s:%d", opt.MetricAddress, opt.MetricPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(err, "metrics listener exited", "event", "metrics.listen_failed")
		}
	}()
}

// Set via compiler flags.
var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = runtime.Version()
)

func VersionStanza() string {
	return fmt.Sprintf(
		"Version: %v\nGit SHA: %v\nGo Version: %v\nGo OS/Arch: %v/%v\nBuilt at: %v",
		Version, Commit, GoVersion, runtime.GOOS, runtime.GOARCH, Date,
	)
}
