/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/shmrdv/shmrdv/channel"
	"github.com/shmrdv/shmrdv/internal/driver"
	"github.com/shmrdv/shmrdv/internal/shm"
)

var (
	channelFlags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "Load channel configuration from `FILE`",
			EnvVar: "SHMRDV_CONFIG",
		}, cli.StringFlag{
			Name:   "address, a",
			Usage:  "channel address, shm://key?cap=1024&writer=name&reader=name&header=1",
			EnvVar: "SHMRDV_ADDRESS",
		}, cli.StringFlag{
			Name:   "key, k",
			Usage:  "name of the shared region",
			EnvVar: "SHMRDV_KEY",
			Value:  "shmrdv",
		}, cli.StringFlag{
			Name:  "capacity",
			Usage: "slot size including the terminator, e.g. 1024 or 4KB",
		}, cli.StringFlag{
			Name:  "writer-sem",
			Usage: "name of the write turn semaphore, default <key>.writer",
		}, cli.StringFlag{
			Name:  "reader-sem",
			Usage: "name of the read turn semaphore, default <key>.reader",
		}, cli.StringFlag{
			Name:   "dir",
			Usage:  "directory holding the shared files, default /dev/shm",
			EnvVar: "SHMRDV_DIR",
		}, cli.BoolFlag{
			Name:  "header",
			Usage: "open the stream with a start time header",
		}, cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "upper bound of a single blocking wait",
			Value: channel.DefaultPollInterval,
		}, cli.DurationFlag{
			Name:  "peer-timeout",
			Usage: "give up on a silent peer after this long, negative waits forever",
			Value: channel.DefaultPeerTimeout,
		}, cli.DurationFlag{
			Name:  "attach-timeout",
			Usage: "how long a peer waits for the initializer to create the channel",
			Value: 10 * time.Second,
		}, cli.BoolFlag{
			Name:  "keep-stale",
			Usage: "fail instead of removing resources left behind by a previous run",
		},
	}

	streamFlags = []cli.Flag{
		cli.Int64Flag{
			Name:  "count, n",
			Usage: "last value of the stream",
			Value: 10,
		}, cli.Int64Flag{
			Name:  "sentinel",
			Usage: "value carried by the end message in trailing mode",
			Value: -1,
		}, cli.StringFlag{
			Name:  "mode",
			Usage: "sentinel mode, trailing|inclusive",
			Value: "trailing",
		}, cli.Int64Flag{
			Name:  "progress",
			Usage: "log every Nth value, 0 disables",
		},
	}

	processFlags = []cli.Flag{
		cli.StringFlag{
			Name:  "role, r",
			Usage: "initializer|peer, defaults to initializer for produce and peer for consume",
		}, cli.StringFlag{
			Name:   "metrics-addr",
			Usage:  "serve Prometheus metrics on this address",
			EnvVar: "SHMRDV_METRICS_ADDR",
		},
	}

	cmdProduce = cli.Command{
		Name:   "produce",
		Usage:  "send 1..N followed by the sentinel",
		Flags:  joinFlags(channelFlags, streamFlags, processFlags),
		Action: produceAction,
	}

	cmdConsume = cli.Command{
		Name:   "consume",
		Usage:  "receive until the sentinel and report the sum",
		Flags:  joinFlags(channelFlags, streamFlags, processFlags),
		Action: consumeAction,
	}

	cmdRun = cli.Command{
		Name:   "run",
		Usage:  "run producer and consumer in this process",
		Flags:  joinFlags(channelFlags, streamFlags, processFlags[1:]),
		Action: runAction,
	}

	cmdInspect = cli.Command{
		Name:   "inspect",
		Usage:  "print the shared state behind a key",
		Flags:  channelFlags,
		Action: inspectAction,
	}

	cmdClean = cli.Command{
		Name:   "clean",
		Usage:  "remove the region and semaphores behind a key",
		Flags:  channelFlags,
		Action: cleanAction,
	}
)

func joinFlags(sets ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// channelConfig layers the config file, the address and individual flags,
// in that order.
func channelConfig(c *cli.Context) (channel.Config, error) {
	var cfg channel.Config
	if path := c.String("config"); path != "" {
		loaded, err := channel.LoadConfigFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if raw := c.String("address"); raw != "" {
		addr, err := channel.ParseAddress(raw)
		if err != nil {
			return cfg, err
		}
		addr.Apply(&cfg)
	}

	if c.IsSet("key") || cfg.Key == "" {
		cfg.Key = c.String("key")
	}
	if s := c.String("capacity"); s != "" {
		size, err := channel.ParseSize(s)
		if err != nil {
			return cfg, err
		}
		cfg.Capacity = size
	}
	if s := c.String("writer-sem"); s != "" {
		cfg.WriterSem = s
	}
	if s := c.String("reader-sem"); s != "" {
		cfg.ReaderSem = s
	}
	if s := c.String("dir"); s != "" {
		cfg.Dir = s
	}
	if c.Bool("header") {
		cfg.Header = true
	}
	if c.Bool("keep-stale") {
		cfg.KeepStale = true
	}
	if c.IsSet("poll-interval") || cfg.PollInterval == 0 {
		cfg.PollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("peer-timeout") || cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = c.Duration("peer-timeout")
	}
	if c.IsSet("attach-timeout") || cfg.AttachTimeout == 0 {
		cfg.AttachTimeout = c.Duration("attach-timeout")
	}
	cfg.Logger = logrus.StandardLogger()
	return cfg, cfg.Validate()
}

func streamOptions(c *cli.Context) (driver.Options, error) {
	mode, err := driver.ParseSentinelMode(c.String("mode"))
	if err != nil {
		return driver.Options{}, err
	}
	opts := driver.Options{
		Count:    c.Int64("count"),
		Sentinel: c.Int64("sentinel"),
		Mode:     mode,
		Progress: c.Int64("progress"),
		Logger:   logrus.StandardLogger(),
	}
	return opts, opts.Validate()
}

func role(c *cli.Context, def channel.Role) (channel.Role, error) {
	s := c.String("role")
	if s == "" {
		return def, nil
	}
	return channel.ParseRole(s)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics starts the metrics endpoint when --metrics-addr is set and
// points cfg at its registry. The returned function stops the server.
func serveMetrics(c *cli.Context, cfg *channel.Config) (func(), error) {
	addr := c.String("metrics-addr")
	if addr == "" {
		return func() {}, nil
	}
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics listener")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()
	logrus.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func closeChannel(ch *channel.Channel) {
	if err := ch.Close(); err != nil {
		logrus.WithError(err).WithField("key", ch.Key()).Warn("close channel")
	}
}

func produceAction(c *cli.Context) error {
	cfg, err := channelConfig(c)
	if err != nil {
		return err
	}
	r, err := role(c, channel.RoleInitializer)
	if err != nil {
		return err
	}
	opts, err := streamOptions(c)
	if err != nil {
		return err
	}
	stop, err := serveMetrics(c, &cfg)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()

	ch, err := channel.Open(ctx, cfg, r)
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	opts.Header = ch.HeaderVariant()
	report, err := driver.Produce(ctx, ch, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "sent=%d elapsed=%s\n", report.Sent, report.Elapsed)
	return nil
}

func consumeAction(c *cli.Context) error {
	cfg, err := channelConfig(c)
	if err != nil {
		return err
	}
	r, err := role(c, channel.RolePeer)
	if err != nil {
		return err
	}
	opts, err := streamOptions(c)
	if err != nil {
		return err
	}
	stop, err := serveMetrics(c, &cfg)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()

	ch, err := channel.Open(ctx, cfg, r)
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	report, err := driver.Consume(ctx, ch, opts)
	if err != nil {
		return err
	}
	return printReport(c, opts, report)
}

func runAction(c *cli.Context) error {
	cfg, err := channelConfig(c)
	if err != nil {
		return err
	}
	opts, err := streamOptions(c)
	if err != nil {
		return err
	}
	stop, err := serveMetrics(c, &cfg)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()

	producer, err := channel.Open(ctx, cfg, channel.RoleInitializer)
	if err != nil {
		return err
	}
	defer closeChannel(producer)
	consumer, err := channel.Open(ctx, cfg, channel.RolePeer)
	if err != nil {
		return err
	}
	defer closeChannel(consumer)

	opts.Header = producer.HeaderVariant()
	var report driver.Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := driver.Produce(gctx, producer, opts)
		return err
	})
	g.Go(func() error {
		var err error
		report, err = driver.Consume(gctx, consumer, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return printReport(c, opts, report)
}

func printReport(c *cli.Context, opts driver.Options, report driver.Report) error {
	fmt.Fprintf(c.App.Writer, "received=%d sum=%d elapsed=%s\n", report.Received, report.Sum, report.Elapsed)
	if want := opts.ExpectedSum(); report.Sum != want {
		return errors.Errorf("sum %d does not match expected %d", report.Sum, want)
	}
	return nil
}

func inspectAction(c *cli.Context) error {
	cfg, err := channelConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	snap, err := channel.Inspect(ctx, cfg)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "key: %s\n", snap.Key)
	fmt.Fprintf(w, "region: %s\n", snap.RegionPath)
	switch {
	case snap.RegionPresent:
		s := snap.Region
		fmt.Fprintf(w, "  generation: %s\n", s.Generation)
		fmt.Fprintf(w, "  capacity: %d\n", s.Capacity)
		fmt.Fprintf(w, "  header: %t\n", s.Flags&shm.FlagHeader != 0)
		fmt.Fprintf(w, "  initializer pid: %d (alive=%t)\n", s.InitializerPID, snap.InitializerAlive)
		fmt.Fprintf(w, "  peer pid: %d (alive=%t)\n", s.PeerPID, snap.PeerAlive)
		fmt.Fprintf(w, "  shutdown: %t terminated: %t\n", s.Shutdown, s.Terminated)
		fmt.Fprintf(w, "  slot: valid=%t kind=%s length=%d writes=%d\n", s.SlotValid, s.SlotKind, s.SlotLength, s.Written)
	case snap.RegionError != "":
		fmt.Fprintf(w, "  error: %s\n", snap.RegionError)
	default:
		fmt.Fprintf(w, "  absent\n")
	}

	switch {
	case snap.PairPresent:
		p := snap.Pair
		fmt.Fprintf(w, "semaphores: %s=%d %s=%d state=%s\n", p.Writer, p.WriterTurn, p.Reader, p.ReaderTurn, p.State)
		fmt.Fprintf(w, "  posts: writer=%d reader=%d\n", p.WriterPosts, p.ReaderPosts)
	case snap.PairError != "":
		fmt.Fprintf(w, "semaphores: error: %s\n", snap.PairError)
	default:
		fmt.Fprintf(w, "semaphores: absent\n")
	}

	if snap.Stale() {
		fmt.Fprintf(w, "stale: no process is using these resources\n")
	}
	if snap.Diagnostic != "" {
		fmt.Fprint(w, snap.Diagnostic)
	}
	if snap.Broken {
		return errors.Errorf("channel %q is in a broken state", snap.Key)
	}
	return nil
}

func cleanAction(c *cli.Context) error {
	cfg, err := channelConfig(c)
	if err != nil {
		return err
	}
	removed, err := channel.Remove(cfg)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(c.App.Writer, "removed %s\n", cfg.Key)
	} else {
		fmt.Fprintf(c.App.Writer, "nothing to remove for %s\n", cfg.Key)
	}
	return nil
}
