package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"netinterceptor/internal/cdp"
	"netinterceptor/internal/config"
	"netinterceptor/internal/handler"
	"netinterceptor/internal/logger"
	"netinterceptor/internal/proxy"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/api"
	"netinterceptor/pkg/model"
)

var opts struct {
	Config      string
	DevTools    string
	Target      string
	TimeoutMs   uint
	URL         string
	Types       string
	EnforceOff  bool
	WaitNextMs  int
	WebSocketOn bool
}

func main() {
	flagSet := flag.NewFlagSet("netwatch", flag.ExitOnError)
	flagSet.StringVar(&opts.Config, "config", "", "path to yaml config file.")
	flagSet.StringVar(&opts.DevTools, "devtools", "", "DevTools HTTP endpoint (overrides config).")
	flagSet.StringVar(&opts.Target, "target", "", "target id to attach; the first page target when empty.")
	flagSet.UintVar(&opts.TimeoutMs, "timeout", 0, "wait timeout (milliseconds).")
	flagSet.StringVar(&opts.URL, "url", "", "only wait for requests whose URL matches this glob.")
	flagSet.StringVar(&opts.Types, "type", "", "comma-separated resource types to wait for (ex: \"fetch,xhr\").")
	flagSet.BoolVar(&opts.EnforceOff, "no-enforce", false, "return immediately when no request has been observed.")
	flagSet.IntVar(&opts.WaitNextMs, "wait-next", -1, "grace period for follow-up requests (milliseconds); negative uses config.")
	flagSet.BoolVar(&opts.WebSocketOn, "ws", false, "also print websocket records.")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "USAGE: netwatch [OPTIONS]")
		fmt.Fprintln(os.Stderr, "attaches to a browser page, waits until its network is idle and prints the call records as JSON.")
		flagSet.PrintDefaults()
	}
	flagSet.Parse(os.Args[1:])

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		if errors.Is(err, api.ErrTimeout) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if opts.DevTools != "" {
		cfg.Interceptor.DevToolsURL = opts.DevTools
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})

	var archive *storage.Archive
	if cfg.Sqlite.Dsn != "" {
		archive, err = storage.OpenArchive(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interceptor, err := api.New(api.Options{
		Config:  cfg,
		Logger:  l,
		Archive: archive,
		Extra: func(store *storage.MemoryStore, h *handler.Handler) []proxy.Capability {
			return []proxy.Capability{cdp.New(cdp.Options{
				DevToolsURL: cfg.Interceptor.DevToolsURL,
				TargetID:    opts.Target,
				Origin:      cfg.Interceptor.Origin,
				Store:       store,
				Handler:     h,
				Logger:      l,
			})}
		},
	})
	if err != nil {
		return err
	}
	defer interceptor.Destroy()

	wo := model.WaitOptions{Timeout: time.Duration(opts.TimeoutMs) * time.Millisecond}
	if opts.URL != "" {
		wo.Match.URL = model.Glob(opts.URL)
	}
	for _, t := range strings.Split(opts.Types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			wo.Match.ResourceTypes = append(wo.Match.ResourceTypes, model.ResourceType(t))
		}
	}
	if opts.EnforceOff {
		wo.EnforceCheck = model.Bool(false)
	}
	if opts.WaitNextMs >= 0 {
		wo.WaitForNextRequest = model.Duration(time.Duration(opts.WaitNextMs) * time.Millisecond)
	}

	start := time.Now()
	if _, err := interceptor.WaitUntilRequestIsDone(ctx, wo, nil); err != nil {
		return err
	}
	l.Info("网络已静默", "generation", string(interceptor.Generation()), "elapsed", time.Since(start))

	out := struct {
		Requests   []model.CallRecord      `json:"requests"`
		WebSockets []model.WebSocketRecord `json:"websockets,omitempty"`
		Rules      model.EngineStats       `json:"rules"`
	}{Rules: interceptor.RuleStats()}
	if out.Requests, err = interceptor.GetStats(wo.Match); err != nil {
		return err
	}
	if opts.WebSocketOn {
		if out.WebSockets, err = interceptor.GetWebsocketStats(model.RouteMatch{}); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
