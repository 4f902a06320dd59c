// Package main runs a local, in-memory devbook API server with the sandbox runtime endpoint.
package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"

	"github.com/spf13/pflag"
	zapRaw "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/logs"
	"github.com/devbookhq/devbook-go/pkg/servers/devbook"
	utilfeature "github.com/devbookhq/devbook-go/pkg/utils/feature"
)

func main() {
	var enablePprof bool
	var pprofAddr string

	var port int
	var adminKey string
	var enableAuth bool
	var domain string
	var maxTimeout int
	var reapInterval = devbook.DefaultReapInterval

	pflag.BoolVar(&enablePprof, "enable-pprof", false, "Enable pprof profiling")
	pflag.StringVar(&pprofAddr, "pprof-addr", ":6060", "The address the pprof debug maps to.")

	pflag.IntVar(&port, "port", devbook.DefaultPort, "The port the server listens on")
	pflag.StringVar(&adminKey, "admin-key", "", "Admin API key (if empty, a random key will be generated)")
	pflag.BoolVar(&enableAuth, "enable-auth", false, "Require an API key on every request")
	pflag.StringVar(&domain, "domain", consts.DefaultDomain, "Domain reported in created sandboxes")
	pflag.IntVar(&maxTimeout, "max-timeout", models.MaxTimeoutSeconds, "Maximum sandbox timeout in seconds")
	pflag.DurationVar(&reapInterval, "reap-interval", reapInterval, "How often expired sandboxes are removed")

	utilfeature.DefaultMutableFeatureGate.AddFlag(pflag.CommandLine)

	opts := zap.Options{
		Development: false,
	}
	opts.BindFlags(flag.CommandLine)
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	klog.SetLogger(zap.New(
		zap.UseFlagOptions(&opts),
		zap.RawZapOpts(zapRaw.AddCaller()),
		zap.StacktraceLevel(zapcore.DPanicLevel),
	))

	if enablePprof {
		go func() {
			klog.Infof("Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				klog.Errorf("Unable to start pprof server: %v", err)
			}
		}()
	}

	if maxTimeout <= 0 || maxTimeout > models.MaxTimeoutSeconds {
		klog.Fatalf("--max-timeout must be between 1 and %d", models.MaxTimeoutSeconds)
	}
	if reapInterval <= 0 {
		klog.Fatalf("--reap-interval must be greater than 0")
	}

	ctx := logs.NewContextFrom(signals.SetupSignalHandler(), "component", "devbook-server")
	server := devbook.NewServer(ctx, devbook.Options{
		Port:         port,
		Domain:       domain,
		AdminKey:     adminKey,
		EnableAuth:   enableAuth,
		MaxTimeout:   int32(maxTimeout),
		ReapInterval: reapInterval,
	})
	if enableAuth {
		klog.InfoS("Authentication enabled", "adminApiKey", server.AdminKey())
	}
	if err := server.Run(ctx); err != nil {
		klog.Fatalf("Devbook server stopped: %v", err)
	}
	klog.Info("Devbook server stopped")
}
