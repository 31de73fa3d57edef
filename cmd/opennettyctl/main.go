// Package main is the entry point for opennettyctl, a thin CLI over
// internal/service: it wires gateway.Load -> pipeline.Bus -> workerpool.Pool
// -> service.Service into one running process, the same funnel cmd/thane
// is for the teacher's own internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opennetty/opennetty-core/internal/buildinfo"
	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/pipeline"
	"github.com/opennetty/opennetty-core/internal/resilience"
	"github.com/opennetty/opennetty-core/internal/service"
	"github.com/opennetty/opennetty-core/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to gateway config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "send":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "usage: opennettyctl send <gateway> <raw-frame>")
			os.Exit(1)
		}
		runSend(logger, *configPath, flag.Arg(1), flag.Arg(2))
	case "watch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: opennettyctl watch <gateway>")
			os.Exit(1)
		}
		runWatch(logger, *configPath, flag.Arg(1))
	case "version":
		fmt.Println(buildinfo.String())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("opennettyctl - OpenWebNet gateway client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  send <gateway> <frame>  Send a raw frame (e.g. *1*0*7##) and wait for the outcome")
	fmt.Println("  watch <gateway>         Print inbound notifications for a gateway until interrupted")
	fmt.Println("  version                 Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// bootstrap loads the gateway config and brings up the bus and worker
// pool that every subcommand needs: config -> pipeline -> sessions ->
// service, mirroring how runServe in cmd/thane builds up its own
// dependency graph before doing anything useful with it.
func bootstrap(ctx context.Context, logger *slog.Logger, configPath string) (*pipeline.Bus, *workerpool.Pool, *service.Service, []gateway.Gateway, error) {
	gateways, err := gateway.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	bus := pipeline.New(logger)
	bus.Connect()

	pool := workerpool.New(bus, logger)
	pool.Start(ctx, gateways)

	svc := service.New(bus, gateways, resilience.DefaultPolicy(), logger)
	return bus, pool, svc, gateways, nil
}

func findGateway(gateways []gateway.Gateway, name string) (*gateway.Gateway, error) {
	for i := range gateways {
		if gateways[i].Name == name {
			return &gateways[i], nil
		}
	}
	return nil, fmt.Errorf("no gateway named %q in config", name)
}

func runSend(logger *slog.Logger, configPath, gwName, rawFrame string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bus, pool, svc, gateways, err := bootstrap(ctx, logger, configPath)
	if err != nil {
		logger.Error("bootstrap", "error", err)
		os.Exit(1)
	}
	defer pool.Stop()
	defer bus.Shutdown()

	gw, err := findGateway(gateways, gwName)
	if err != nil {
		logger.Error("gateway", "error", err)
		os.Exit(1)
	}

	fr, err := frame.Parse([]byte(rawFrame))
	if err != nil {
		logger.Error("parse frame", "frame", rawFrame, "error", err)
		os.Exit(1)
	}
	msg, err := message.FromFrame(gw.Protocol, fr)
	if err != nil {
		logger.Error("classify frame", "frame", rawFrame, "error", err)
		os.Exit(1)
	}

	logger.Info("sending", "gateway", gw.Name, "frame", fr.String(), "type", msg.Type.String())
	if err := svc.SendMessage(ctx, gw.Protocol, msg, gw, gateway.SendOptions{}); err != nil {
		logger.Error("send failed", "gateway", gw.Name, "frame", fr.String(), "error", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runWatch(logger *slog.Logger, configPath, gwName string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, pool, svc, gateways, err := bootstrap(ctx, logger, configPath)
	if err != nil {
		logger.Error("bootstrap", "error", err)
		os.Exit(1)
	}
	defer pool.Stop()
	defer bus.Shutdown()

	gw, err := findGateway(gateways, gwName)
	if err != nil {
		logger.Error("gateway", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("watching", "gateway", gw.Name, "protocol", gw.Protocol.String())
	for msg := range svc.ObserveEvents(ctx, gw.Protocol) {
		fmt.Printf("%s %-24s %s\n", gw.Name, msg.Type.String(), msg.Frame.String())
	}
	logger.Info("watch stopped", "gateway", gw.Name)
}
