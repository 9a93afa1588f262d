// Command ens-workload runs an ENS workload runtime against a local
// dispatcher. Application binaries follow the same pattern: register event
// handlers with workload.RegisterHandler, then hand the configuration file to
// the runtime. This binary ships a builtin echo handler for testing workload
// deployments end to end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/project-edge/ens/pkg/workload"
)

var opt struct {
	Config      string
	LogLevel    string
	Pretty      bool
	MetricsAddr string
	Help        bool
}

func init() {
	pflag.StringVarP(&opt.Config, "config", "c", "", "Workload configuration file (JSON)")
	pflag.StringVarP(&opt.LogLevel, "log-level", "l", "info", "Minimum log level")
	pflag.BoolVarP(&opt.Pretty, "pretty", "p", false, "Use pretty console logs")
	pflag.StringVarP(&opt.MetricsAddr, "metrics-addr", "m", "", "Serve Prometheus metrics on this address")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")

	workload.RegisterHandler("echo", func(_ uint32, event workload.EventType, _ uint32, payload []byte) []byte {
		if event == workload.EventRequest {
			return payload
		}
		return nil
	})
}

func main() {
	pflag.Parse()

	if opt.Config == "" || pflag.NArg() != 0 || opt.Help {
		fmt.Printf("usage: %s -c config.json [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	lvl, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid log level: %v\n", err)
		os.Exit(2)
	}
	var out = os.Stdout
	log := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if opt.Pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: out})
	}

	cfg, err := workload.LoadConfig(opt.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Addr == "" {
		log.Fatal().Msg("config: missing dispatcher addr")
	}

	ch, err := workload.Dial("tcp", cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("connect to dispatcher")
	}

	r, err := workload.NewRuntime(cfg, ch, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create runtime")
	}

	if opt.MetricsAddr != "" {
		go func() {
			err := http.ListenAndServe(opt.MetricsAddr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				r.WritePrometheus(w)
			}))
			log.Error().Err(err).Msg("metrics server failed")
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("microservice", cfg.Microservice).Int("id", cfg.ID).Msg("workload runtime starting")
	if err := r.Run(ctx); err != nil && err != workload.ErrTerminated && err != context.Canceled {
		log.Fatal().Err(err).Msg("runtime failed")
	}
	log.Info().Msg("exiting workload")
}
