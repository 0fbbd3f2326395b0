// Command uplinkd is the agent entrypoint: it loads configuration, wires
// the Transport Client, Disk Spool, Serializer, Bridge, and Process
// Executor together, and runs them under a single cancellation scope tied
// to the process's signals.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Jagannathes/uplink/action"
	"github.com/Jagannathes/uplink/bridge"
	"github.com/Jagannathes/uplink/config"
	"github.com/Jagannathes/uplink/executor"
	"github.com/Jagannathes/uplink/metrics"
	"github.com/Jagannathes/uplink/partition"
	"github.com/Jagannathes/uplink/serializer"
	"github.com/Jagannathes/uplink/spool"
	"github.com/Jagannathes/uplink/transport"
)

var opts = new(struct {
	ConfigFile string `short:"c" long:"config" description:"Path to the agent's TOML configuration file" default:"uplink.toml"`
	ToolsDir   string `long:"tools-dir" description:"Directory holding action executor commands" default:"tools"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable debug logging"`
	DryRun     bool   `long:"dry-run" description:"Use an in-memory transport instead of dialing brokers"`
})

func main() {
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(exitCodeFor(err))
	}

	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(); err != nil {
		log.WithError(err).Error("uplinkd: exiting on error")
		os.Exit(1)
	}
}

func exitCodeFor(err error) int {
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		return 0
	}
	return 1
}

func run() error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "uplinkd: load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp, err := spool.Open(cfg.Spool.Dir, cfg.Spool.SegmentBytes, cfg.Spool.MaxSegments)
	if err != nil {
		return errors.Wrap(err, "uplinkd: open spool")
	}
	defer sp.Close()

	client, err := newTransport(cfg, opts.DryRun)
	if err != nil {
		return errors.Wrap(err, "uplinkd: init transport")
	}
	defer client.Close()

	m := metrics.New(cfg.MetricsTopic)

	sealedCh := make(chan partition.Sealed, 64)
	partitionConfigs := make(map[string]partition.Config, len(cfg.Streams))
	topics := make(map[string]string, len(cfg.Streams))
	for stream, sc := range cfg.Streams {
		partitionConfigs[stream] = partition.Config{BufSize: sc.BufSize}
		topics[stream] = sc.Topic
	}

	ser := serializer.New(sealedCh, topics, client, sp, m)
	br := bridge.New(cfg.BridgePort, cfg.MaxPacketSize, sealedCh, partitionConfigs)
	ex := executor.New(opts.ToolsDir)
	router := action.New(client, ex, br, opts.ToolsDir, cfg.ActionStatusTopic)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ser.Run(gctx) })
	g.Go(func() error { return br.Run(gctx) })
	g.Go(func() error { return router.Run(gctx, cfg.ActionsTopic) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("uplinkd: shut down cleanly")
	return nil
}

func newTransport(cfg config.Config, dryRun bool) (transport.Client, error) {
	if dryRun || len(cfg.Transport.Brokers) == 0 {
		log.Warn("uplinkd: using in-memory mock transport")
		return transport.NewMockClient(256), nil
	}

	tlsConfig, err := buildTLS(cfg.Transport)
	if err != nil {
		return nil, errors.Wrap(err, "uplinkd: build tls config")
	}

	return transport.New(transport.Config{
		Brokers:  cfg.Transport.Brokers,
		ClientID: cfg.Transport.ClientID,
		TLS:      tlsConfig,
	})
}

// buildTLS returns nil, nil when no certificate material is configured, so
// the agent can talk to an unencrypted broker in development.
func buildTLS(tc config.TransportConfig) (*tls.Config, error) {
	if tc.CertFile == "" && tc.CAFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}
	if tc.CertFile != "" && tc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if tc.CAFile != "" {
		ca, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("uplinkd: no certificates parsed from ca file")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
