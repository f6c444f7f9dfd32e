// Command bleud runs a standalone Bleu peripheral: it advertises the RPC
// characteristic, hosts whatever actors main wires into it, and serves
// inbound invocations until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/1amageek/bleu/bleu"
	"github.com/1amageek/bleu/rpc/link/gattlink"
)

func main() {
	app := cli.NewApp()
	app.Name = "bleud"
	app.Usage = "run a Bleu actor-RPC peripheral over Bluetooth LE"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "log-level", Value: "INFO", Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO, or DEBUG"},
		cli.StringFlag{Name: "name", Value: "bleud", Usage: "advertised device name"},
		cli.StringFlag{Name: "service-uuid", Value: gattlink.DefaultServiceUUID},
		cli.StringFlag{Name: "char-uuid", Value: gattlink.DefaultCharUUID},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "bleud:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logging.LogLevel(c.String("log-level"))
	if err != nil {
		level = logging.INFO
	}
	log := bleu.SetupLogging("bleud", level)

	cfg := bleu.DefaultConfig()
	if path := c.String("config"); path != "" {
		cfg, err = bleu.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	device, err := newDevice(c.String("name"))
	if err != nil {
		return fmt.Errorf("open bluetooth device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peripheral, err := gattlink.NewPeripheralLink(ctx, gattlink.PeripheralOptions{
		Device:         device,
		AdvertisedName: c.String("name"),
		ServiceUUID:    c.String("service-uuid"),
		CharUUID:       c.String("char-uuid"),
		MTU:            cfg.DefaultWriteLen,
	})
	if err != nil {
		return fmt.Errorf("start peripheral link: %w", err)
	}
	defer peripheral.Close()

	system := bleu.NewActorSystem(peripheral, cfg, log, c.String("char-uuid"))
	defer system.Shutdown()

	log.Noticef("bleud advertising %q as %s/%s", c.String("name"), c.String("service-uuid"), c.String("char-uuid"))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stop
	log.Notice("bleud stopping on signal", sig)
	return nil
}
