// rtmctl is a thin command-line wrapper around the rtmlink client
// engine: connect to an instrument, inspect mirrored parameters, set
// values, and run measurements.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tensorlab/rtmlink/internal/config"
	"github.com/tensorlab/rtmlink/internal/observability"
	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
	"github.com/tensorlab/rtmlink/internal/rtm"
)

const usage = `usage: rtmctl [flags] <command> [args]

commands:
  idn                 print the instrument identity
  snapshot            print all mirrored parameters
  get <param>         print one parameter, waiting for its first push
  set <param> <val>   set a parameter and wait for the server echo
  measure <n>         request n samples, wait, print them
  clear               clear the data buffers

flags:
  -targets path    targets file (default rtm-targets.toml)
  -target name     target name from the targets file
  -addr host:port  connect directly, bypassing the targets file
  -wait duration   settle/measure wait budget (default 2s)
`

func main() {
	log := observability.InitLogger("rtmctl")

	targetsPath := flag.String("targets", "rtm-targets.toml", "targets file")
	targetName := flag.String("target", "", "target name")
	addr := flag.String("addr", "", "direct instrument address")
	wait := flag.Duration("wait", 2*time.Second, "settle/measure wait budget")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	clientCfg := rtm.Config{Addr: *addr, Logger: log}
	if *addr == "" {
		targets, err := loadTargets(*targetsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load targets")
		}
		target, err := targets.resolve(*targetName)
		if err != nil {
			log.Fatal().Err(err).Msg("resolve target")
		}
		clientCfg.Addr = target.Addr
		if target.Config != "" {
			fileCfg, err := config.LoadClientConfig(target.Config)
			if err != nil {
				log.Fatal().Err(err).Msg("load client config")
			}
			sessionCfg, err := fileCfg.SessionConfig()
			if err != nil {
				log.Fatal().Err(err).Msg("session config")
			}
			clientCfg.Session = sessionCfg
			if d, err := fileCfg.AwaitTimeoutDuration(); err == nil && d > 0 {
				clientCfg.AwaitTimeout = d
			}
		}
	}

	client, err := rtm.New(clientCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer client.Close()

	if err := run(ctx, client, args, *wait); err != nil {
		log.Fatal().Err(err).Msg(args[0])
	}
}

func run(ctx context.Context, client *rtm.Client, args []string, wait time.Duration) error {
	switch args[0] {
	case "idn":
		if client.Identity() == "" {
			if _, err := client.AwaitChange(ctx, "TENS"); err != nil {
				return err
			}
		}
		fmt.Println(client.Identity())
		return nil

	case "snapshot":
		// Let the post-connect burst of pushes land first.
		settle(ctx, client, wait)
		snap := client.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s = %v\n", name, snap[name])
		}
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <param>")
		}
		v, err := client.Get(args[1])
		if err != nil {
			return err
		}
		if v == nil {
			if v, err = client.AwaitChange(ctx, args[1]); err != nil {
				return err
			}
		}
		fmt.Printf("%s = %v\n", args[1], v)
		return nil

	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: set <param> <value>")
		}
		value, err := parseValue(args[1], args[2])
		if err != nil {
			return err
		}
		echoed, err := client.SetSync(ctx, args[1], value)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", args[1], echoed)
		return nil

	case "measure":
		if len(args) != 2 {
			return fmt.Errorf("usage: measure <n>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parse count: %w", err)
		}
		if err := client.Measure(n); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := client.AwaitIdle(waitCtx); err != nil {
			return err
		}
		for i, sample := range client.Data() {
			fmt.Printf("%d\t%g\n", i, sample)
		}
		return nil

	case "clear":
		return client.ClearData()

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// settle waits briefly for the initial parameter burst to finish.
func settle(ctx context.Context, client *rtm.Client, budget time.Duration) {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err := client.AwaitAny(waitCtx)
		cancel()
		if err != nil {
			return
		}
	}
}

// parseValue converts a CLI argument per the parameter's catalog kind.
func parseValue(name, raw string) (any, error) {
	cat := catalog.Default()
	entry, ok := cat.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", name)
	}
	if entry.Dims == 1 {
		parts := strings.Split(raw, ",")
		if entry.Kind == catalog.KindFloat64 {
			out := make([]float64, 0, len(parts))
			for _, part := range parts {
				f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					return nil, fmt.Errorf("parse %q: %w", part, err)
				}
				out = append(out, f)
			}
			return out, nil
		}
		out := make([]int, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("parse %q: %w", part, err)
			}
			out = append(out, n)
		}
		return out, nil
	}
	switch entry.Kind {
	case catalog.KindFloat64:
		return strconv.ParseFloat(raw, 64)
	case catalog.KindBool:
		return strconv.ParseBool(raw)
	case catalog.KindUint16, catalog.KindUint32, catalog.KindInt32:
		return strconv.Atoi(raw)
	case catalog.KindString:
		return raw, nil
	default:
		return nil, fmt.Errorf("parameter %q is not settable", name)
	}
}
