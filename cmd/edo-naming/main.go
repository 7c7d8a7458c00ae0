// Command edo-naming runs the naming Host Service and queries it.
//
//	edo-naming serve --listen :11237 --etcd 127.0.0.1:2379
//	edo-naming lookup --server 127.0.0.1:11237 arith
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"edo/client"
	"edo/message"
	"edo/naming"
	"edo/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "edo-naming"
	app.Usage = "name → address registry for edo host services"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "debug, info, warn or error",
			EnvVar: "EDO_LOG_LEVEL",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Run the naming service",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "listen, l",
					Value:  fmt.Sprintf(":%d", naming.DefaultPort),
					Usage:  "address to listen on",
					EnvVar: "EDO_LISTEN",
				},
				cli.StringFlag{
					Name:   "etcd",
					Usage:  "comma-separated etcd endpoints; records are kept in memory when empty",
					EnvVar: "EDO_ETCD",
				},
				cli.StringFlag{
					Name:  "name",
					Value: naming.DefaultServiceName,
					Usage: "service name announced to clients",
				},
				cli.DurationFlag{
					Name:  "shutdown-timeout",
					Value: 5 * time.Second,
					Usage: "how long to wait for calls in progress when stopping",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:      "lookup",
			Usage:     "Print the addresses registered under a name",
			ArgsUsage: "NAME",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "server, s",
					Value: fmt.Sprintf("127.0.0.1:%d", naming.DefaultPort),
					Usage: "naming service address",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 5 * time.Second,
				},
			},
			Action: lookupCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.GlobalString("log-level"))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

func serveCommand(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var reg naming.Registry = naming.NewMemoryRegistry()
	if endpoints := c.String("etcd"); endpoints != "" {
		etcd, err := naming.NewEtcdRegistry(strings.Split(endpoints, ","),
			naming.WithEtcdLogger(logger.Named("etcd")))
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
		logger.Info("using etcd", zap.String("endpoints", endpoints))
	}

	h := naming.NewServer(reg, logger, server.WithName(c.String("name")))
	if err := h.Start("tcp", c.String("listen")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return h.Shutdown(c.Duration("shutdown-timeout"))
}

func lookupCommand(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.NewExitError("lookup: missing NAME", 2)
	}
	addr, err := message.ParseHostAddress(c.String("server"))
	if err != nil {
		return err
	}

	svc := client.NewService(client.WithName("edo-naming-cli"))
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	addrs, err := naming.NewRemoteRegistry(svc, addr).Discover(ctx, name)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return cli.NewExitError(fmt.Sprintf("%s: not registered", name), 1)
	}
	for _, a := range addrs {
		fmt.Println(a.DialAddress())
	}
	return nil
}
