// Command warden is an operations CLI over the warden components: it
// publishes and listens to notifications, takes and releases locks, checks
// rate limits, drives the users service and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

type app struct {
	configPath string
	storeDrv   string
	busDrv     string
	redisAddr  string
	out        string
	trace      bool

	stdout io.Writer
	tp     *sdktrace.TracerProvider
	w      *presets.Warden
}

// open builds the component graph on first use.
func (a *app) open(ctx context.Context) (*presets.Warden, error) {
	if a.w != nil {
		return a.w, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.storeDrv != "" {
		cfg.Store.Driver = a.storeDrv
	}
	if a.busDrv != "" {
		cfg.Bus.Driver = a.busDrv
	}
	if a.redisAddr != "" {
		cfg.Store.Redis.Addr = a.redisAddr
	}
	w, err := presets.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.w = w
	return w, nil
}

func (a *app) startTracing() error {
	if !a.trace {
		return nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	a.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(a.tp)
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.w != nil {
		_ = a.w.Close()
		_ = a.w.Log.Sync()
		a.w = nil
	}
	if a.tp != nil {
		_ = a.tp.Shutdown(ctx)
		a.tp = nil
	}
}

// print writes v as indented JSON, or with %v when --out=text.
func (a *app) print(v any) {
	if a.out == "text" {
		fmt.Fprintf(a.stdout, "%v\n", v)
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(a.stdout, "%v\n", v)
		return
	}
	fmt.Fprintln(a.stdout, string(b))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Operate warden locks, caches, rate limits and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.out != "json" && a.out != "text" {
				return fmt.Errorf("--out must be json or text, got %q", a.out)
			}
			return a.startTracing()
		},
	}
	root.SetOut(a.stdout)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", envOr("WARDEN_CONFIG", ""), "YAML config file (env WARDEN_CONFIG)")
	pf.StringVar(&a.storeDrv, "store", "", "Store driver override: redis|memory")
	pf.StringVar(&a.busDrv, "bus", "", "Bus driver override: inmemory|redis|nats|kafka")
	pf.StringVar(&a.redisAddr, "redis-addr", "", "Redis address override")
	pf.StringVar(&a.out, "out", envOr("WARDEN_OUT", "json"), "Output format: json|text")
	pf.BoolVar(&a.trace, "trace", false, "Print OpenTelemetry spans to stderr")

	root.AddCommand(
		newListenCmd(a),
		newPublishCmd(a),
		newLockCmd(a),
		newRateLimitCmd(a),
		newUsersCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}

// run executes the CLI with args, writing results to stdout.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	a := &app{stdout: stdout}
	defer a.close(context.Background())
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
