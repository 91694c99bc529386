// Package agentd boots one agent process: it assembles the provider,
// event bus, metrics, reasoning runtime, peer transport and control
// socket, then runs until a shutdown command or signal arrives. The
// supervisor execs this through the CLI's hidden `agent run` subcommand.
package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentnet-dev/agentnet/internal/control"
	"github.com/agentnet-dev/agentnet/internal/event"
	"github.com/agentnet-dev/agentnet/internal/metrics"
	"github.com/agentnet-dev/agentnet/internal/peer"
	"github.com/agentnet-dev/agentnet/internal/provider"
	"github.com/agentnet-dev/agentnet/internal/runtime"
	"github.com/agentnet-dev/agentnet/pkg/config"
)

// ShutdownDeadline bounds graceful shutdown; past it the process exits
// regardless of in-flight work.
const ShutdownDeadline = 5 * time.Second

// EnvTrace enables the stdout trace exporter when set to "1".
const EnvTrace = "AGENTNET_TRACE"

// Options configures one agent process.
type Options struct {
	Descriptor config.Descriptor
	RuntimeDir string

	// Provider overrides construction from the descriptor; tests inject
	// mocks here.
	Provider provider.Provider
}

// Run boots the agent and blocks until shutdown. It is the entire life
// of an agent process; the returned error is only for startup failures.
func Run(ctx context.Context, opts Options) error {
	desc := opts.Descriptor
	if err := desc.Validate(); err != nil {
		return err
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = control.DefaultRuntimeDir()
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("agent", desc.Name)
	slog.SetDefault(log)

	if os.Getenv(EnvTrace) == "1" {
		shutdown, err := initTracing()
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer shutdown()
		}
	}

	prov := opts.Provider
	if prov == nil {
		built, err := provider.New(desc.Provider, desc.Model)
		if err != nil {
			return fmt.Errorf("create provider: %w", err)
		}
		prov = built
	}
	prov = provider.NewInstrumentedProvider(prov)

	bus := event.NewBus(event.DefaultRingSize)
	collector := metrics.NewCollector(desc.Name)

	tools := make([]runtime.ExternalTool, 0, len(desc.Tools))
	for _, t := range desc.Tools {
		tools = append(tools, runtime.ExternalTool{
			Name:        t.Name,
			Description: t.Description,
			Endpoint:    t.Endpoint,
		})
	}

	rt := runtime.New(runtime.Options{
		Name:          desc.Name,
		Role:          desc.Role,
		PeerPort:      desc.Port,
		Provider:      prov,
		Bus:           bus,
		Metrics:       collector,
		Log:           log,
		ExternalTools: tools,
		PeerTools:     desc.PeerTools,
	})

	peerServer := peer.NewServer(desc.Port, rt, log)
	var ready atomic.Bool

	shutdownCh := make(chan struct{})
	var shutdownOnce atomic.Bool
	requestShutdown := func() {
		if shutdownOnce.CompareAndSwap(false, true) {
			close(shutdownCh)
		}
	}

	ctl := control.NewServer(control.SocketPath(opts.RuntimeDir, desc.Name), rt, bus, collector, log)
	ctl.Ready = ready.Load
	ctl.OnShutdown = requestShutdown

	// The control socket comes up first so the supervisor can observe
	// "starting"; readiness flips only after the peer listener is bound.
	if err := ctl.Start(); err != nil {
		return err
	}
	if err := peerServer.Start(); err != nil {
		_ = ctl.Close()
		return err
	}
	ready.Store(true)
	log.Info("agent ready", "port", desc.Port, "provider", desc.Provider, "model", desc.Model)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Info("signal received", "signal", sig.String())
	case <-shutdownCh:
		log.Info("shutdown requested over control socket")
	}

	// Graceful teardown, hard-bounded: stop accepting peers, close the
	// control socket (removing the file), then exit.
	ready.Store(false)
	deadline, cancel := context.WithTimeout(context.Background(), ShutdownDeadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = peerServer.Shutdown(deadline)
		_ = ctl.Close()
	}()
	select {
	case <-done:
	case <-deadline.Done():
		log.Warn("shutdown deadline exceeded, exiting anyway")
		_ = ctl.Close()
	}
	log.Info("agent stopped")
	return nil
}

// RunFromEnv builds Options from the environment the supervisor passes
// to spawned agents.
func RunFromEnv(ctx context.Context) error {
	blob := os.Getenv("AGENTNET_DESCRIPTOR")
	if blob == "" {
		return fmt.Errorf("AGENTNET_DESCRIPTOR not set; this command is started by the supervisor")
	}
	desc, err := config.UnmarshalDescriptor([]byte(blob))
	if err != nil {
		return err
	}
	return Run(ctx, Options{
		Descriptor: *desc,
		RuntimeDir: os.Getenv("AGENTNET_RUNTIME_DIR"),
	})
}

func initTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
