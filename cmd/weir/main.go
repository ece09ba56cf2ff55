package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/weir/internal/api"
	"github.com/mattjoyce/weir/internal/config"
	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/generator"
	"github.com/mattjoyce/weir/internal/lock"
	"github.com/mattjoyce/weir/internal/log"
	"github.com/mattjoyce/weir/internal/store"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "append":
		os.Exit(runAppend(args))
	case "cat":
		os.Exit(runCat(args))
	case "version":
		fmt.Printf("weir version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`weir - append-only frame log with supervised generators

Usage:
  weir <command> [flags]

Commands:
  serve     Run the store, generator registry, and HTTP API in foreground
  append    Append stdin as a frame via a running server
  cat       Print a topic's frames via a running server
  version   Print version

Serve flags:
  weir serve [--config path] [--db path] [--listen addr]

Client usage:
  weir append <addr> <topic>                         (payload from stdin)
  weir cat <addr> <topic> [--follow] [--last-seq N]
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dbPath := fs.String("db", "", "Store directory (overrides config)")
	listen := fs.String("listen", "", "API listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *listen != "" {
		cfg.API.Listen = *listen
		cfg.API.Enabled = true
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("weir starting", "version", version, "store", cfg.Store.Path)

	pidLock, err := lock.AcquireStoreLock(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to acquire store lock (another instance may be running)", "store", cfg.Store.Path, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "store", cfg.Store.Path, "error", err)
		return 1
	}
	defer st.Close()

	registry := generator.NewRegistry(st, generator.Options{
		Policy: generator.RestartPolicy{
			Base:      cfg.Generators.BackoffBase.Std(),
			Max:       cfg.Generators.BackoffMax.Std(),
			MinUptime: cfg.Generators.MinUptime.Std(),
		},
		StopGrace: cfg.Generators.StopGrace.Std(),
	})

	// Safety valve: a wedged teardown must not hang the host forever.
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(2 * cfg.Service.ShutdownGrace.Std())
		defer timer.Stop()
		<-timer.C
		logger.Error("shutdown grace expired, exiting")
		os.Exit(1)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen}, st, registry)
		g.Go(func() error { return srv.Start(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("weir exited with error", "error", err)
		return 1
	}
	logger.Info("weir stopped")
	return 0
}

func runAppend(args []string) int {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	duplex := fs.Bool("duplex", false, "Mark the frame duplex")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: weir append <addr> <topic>")
		return 1
	}
	addr, topic := fs.Arg(0), fs.Arg(1)

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read stdin: %v\n", err)
		return 1
	}

	url := serverURL(addr) + "/" + topic
	if *duplex {
		url += "?duplex=true"
	}
	resp, err := http.Post(url, "application/octet-stream", strings.NewReader(string(payload)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Append failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Append failed: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}
	fmt.Print(string(body))
	return 0
}

func runCat(args []string) int {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Stream new frames as they arrive")
	lastSeq := fs.Int64("last-seq", 0, "Resume after this sequence number")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: weir cat <addr> <topic> [--follow] [--last-seq N]")
		return 1
	}
	addr, topic := fs.Arg(0), fs.Arg(1)

	if *follow {
		return catFollow(addr, topic, *lastSeq)
	}

	url := fmt.Sprintf("%s/%s?last-seq=%d", serverURL(addr), topic, *lastSeq)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Read failed: %s\n", resp.Status)
		return 1
	}
	var frames []frame.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode response: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			return 1
		}
	}
	return 0
}

// catFollow streams the topic over a WebSocket, one JSON frame per line.
// The threshold and pulse sentinels are filtered out.
func catFollow(addr, topic string, lastSeq int64) int {
	url := fmt.Sprintf("%s/%s?follow=ws&last-seq=%d", wsURL(addr), topic, lastSeq)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Follow failed: %v\n", err)
		return 1
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		var f frame.Frame
		if err := conn.ReadJSON(&f); err != nil {
			fmt.Fprintf(os.Stderr, "Follow ended: %v\n", err)
			return 1
		}
		if f.Topic == frame.TopicThreshold || f.Topic == frame.TopicPulse {
			continue
		}
		if err := enc.Encode(f); err != nil {
			return 1
		}
	}
}

func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func wsURL(addr string) string {
	u := serverURL(addr)
	return "ws" + strings.TrimPrefix(u, "http")
}
