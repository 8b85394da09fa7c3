// Command flowgate runs the per-application SOCKS5 relay engine behind a
// transparent-proxy listener. The engine itself is a library under internal/;
// this binary is a reference host wiring it to a Linux TPROXY surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/perflow/flowgate/internal/dispatch"
	"github.com/perflow/flowgate/internal/intercept"
)

var (
	// Reduce GC overhead by setting a minimum GC heap size;
	// GOGC+GOMEMLIMIT can't express this.  This only allocates virtual
	// memory, not RSS.  Ignore it in memory profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fileConfig is the YAML policy file a host process maintains for the engine.
type fileConfig struct {
	ProxyHost  string   `yaml:"proxyHost"`
	SOCKSPort  uint16   `yaml:"socksPort"`
	ProxyApps  []string `yaml:"proxyApps"`
	RejectApps []string `yaml:"rejectApps"`

	Log struct {
		Filename   string `yaml:"filename"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
}

func run() error {
	var (
		configPath    = pflag.String("config", "", "Path to YAML policy file (proxy endpoint, app sets)")
		tproxyListen  = pflag.String("tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")
		metricsListen = pflag.String("metrics-listen", "", "Debug HTTP listen address exposing /metrics (e.g. 127.0.0.1:9100). Empty disables.")

		proxyAddr = pflag.String("proxy", "", "Upstream SOCKS5 proxy host:port (overrides config file)")

		handshakeTimeout = pflag.Duration("handshake-timeout", 8*time.Second, "Timeout for the SOCKS5 greeting and command exchange")
		dialTimeout      = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for the TCP connect to the proxy")
		bandwidthLimit   = pflag.Int64("bandwidth-limit", 0, "Relayed bytes per second across all flows; 0 disables")
		verbose          = pflag.Bool("verbose", false, "Enable per-flow error logging")
	)

	if !intercept.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	var fc fileConfig
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	if fc.Log.Filename != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   fc.Log.Filename,
			MaxSize:    fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAge:     fc.Log.MaxAgeDays,
		})
	}

	cfg := dispatch.Config{
		ProxyHost:        fc.ProxyHost,
		SOCKSPort:        fc.SOCKSPort,
		ProxyApps:        fc.ProxyApps,
		RejectApps:       fc.RejectApps,
		HandshakeTimeout: *handshakeTimeout,
		DialTimeout:      *dialTimeout,
		BandwidthLimit:   *bandwidthLimit,
		Verbose:          *verbose,
	}

	if *proxyAddr != "" {
		host, port, err := splitHostPort(*proxyAddr)
		if err != nil {
			return fmt.Errorf("invalid --proxy: %w", err)
		}
		cfg.ProxyHost, cfg.SOCKSPort = host, port
	}
	if cfg.ProxyHost == "" {
		return errors.New("no upstream SOCKS5 proxy configured (set --proxy or proxyHost in the config file)")
	}
	if *tproxyListen == "" {
		return errors.New("no interception listener enabled (set --tproxy-listen)")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(ctx, cfg)

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsListen, Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		log.Printf("metrics listening on %s", *metricsListen)
	}

	ln, err := intercept.ListenTransparentTCP(*tproxyListen, keepAliveDefault())
	if err != nil {
		return fmt.Errorf("tproxy listen: %w", err)
	}
	srv := intercept.NewServer(ctx, intercept.Config{Dispatcher: d, Verbose: *verbose})
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("intercept serve: %w", err)
		}
		return nil
	})
	log.Printf("intercepting on %s, relaying via socks5://%s:%d", *tproxyListen, cfg.ProxyHost, cfg.SOCKSPort)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func keepAliveDefault() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     45 * time.Second,
		Interval: 45 * time.Second,
		Count:    3,
	}
}
