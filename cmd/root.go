// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neutree-ai/serve-router/dispatch"
	"github.com/neutree-ai/serve-router/pool"
	"github.com/neutree-ai/serve-router/portlease"
	"github.com/neutree-ai/serve-router/router"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "serve-router",
	Short: "Request-routing and instance-lifecycle subsystem for inference replicas",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router and pool manager and block until signaled",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		policy, err := router.NewPolicy(router.PolicyName(cfg.Routing.Policy), cfg.RouterConfig())
		if err != nil {
			logrus.Fatalf("building routing policy: %v", err)
		}

		models := make([]pool.ModelSpec, 0, len(cfg.Models))
		for _, m := range cfg.Models {
			models = append(models, pool.ModelSpec{
				ID:         m.ID,
				OwnedBy:    m.OwnedBy,
				NewRuntime: newUnimplementedRuntime,
			})
		}

		manager := pool.NewManager(cfg.PoolManagerConfig(), policy, models)
		dispatcher := dispatch.New(policy, manager)
		_ = dispatcher // wired for the HTTP layer, which is assumed provided upstream (§1 Non-goals)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		for _, m := range cfg.Models {
			if _, err := manager.StartModel(ctx, m.ID); err != nil {
				logrus.Warnf("starting initial standby for model %s: %v", m.ID, err)
			}
		}

		manager.Start(ctx)
		logrus.Infof("serve-router up with %d configured model(s)", len(cfg.Models))

		<-ctx.Done()
		logrus.Info("shutting down")
		manager.Stop()
	},
}

var portCmd = &cobra.Command{
	Use:   "lease-port",
	Short: "Acquire a port from the cross-process lease ledger and print it",
	Run: func(cmd *cobra.Command, args []string) {
		allocator, err := portlease.New()
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		port, err := allocator.Acquire()
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		fmt.Println(port)
	},
}

// newUnimplementedRuntime is the placeholder EngineRuntime used until a real
// embedded inference engine is wired in; the tensor math and batching it
// would drive are external to this subsystem (§1 Non-goals).
func newUnimplementedRuntime(gpuID int) pool.EngineRuntime {
	return unimplementedRuntime{gpuID: gpuID}
}

type unimplementedRuntime struct {
	gpuID int
}

func (r unimplementedRuntime) InitStage1(ctx context.Context) error { return nil }

func (r unimplementedRuntime) InitStage2(ctx context.Context) error {
	return fmt.Errorf("serve-router: no embedded inference engine wired for gpu %d", r.gpuID)
}

func (r unimplementedRuntime) Generate(ctx context.Context, payload any) (any, error) {
	return nil, fmt.Errorf("serve-router: generate not implemented")
}

func (r unimplementedRuntime) Embed(ctx context.Context, payload any) (any, error) {
	return nil, fmt.Errorf("serve-router: embed not implemented")
}

func (r unimplementedRuntime) Rerank(ctx context.Context, payload any) (any, error) {
	return nil, fmt.Errorf("serve-router: rerank not implemented")
}

func (r unimplementedRuntime) Shutdown(ctx context.Context, force bool) error { return nil }

func (r unimplementedRuntime) ReleaseGPUMemory(ctx context.Context) error { return nil }

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the serve-router YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portCmd)
}
