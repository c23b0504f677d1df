package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojogrid/api/txrpc"
	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/core/tx/client"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/logger"
)

var (
	configFilePath = flag.String("config", "", "Path of the YAML client configuration; defaults are used when empty")
	serverAddr     = flag.String("server", "", "Overrides the server address of the configuration")
	mode           = flag.String("mode", "", "Overrides transaction_mode (NONE, NON_XA, NON_DURABLE_XA, FULL_XA)")
	cacheName      = flag.String("cache", "default", "Cache used until the first 'use' command")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg := config.DefaultClientConfig()
	if *configFilePath != "" {
		var err error
		if cfg, err = config.LoadClientConfig(*configFilePath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}
	if *serverAddr != "" {
		cfg.Servers = []string{*serverAddr}
	}
	if *mode != "" {
		cfg.TransactionMode = *mode
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error: can't initialize logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	dialCreds, err := cfg.TLS.DialOption()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	pool := connection.NewConnectionPoolManager(dialCreds)
	defer pool.Close()
	conn, err := pool.Get(cfg.Servers[0])
	if err != nil {
		log.Fatalf("Error: connect to %s: %v", cfg.Servers[0], err)
	}
	rpc := txrpc.NewClient(conn)

	tableCfg, err := cfg.TableConfig(zlogger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	sh := newShell(os.Stdout, zlogger,
		func(name string) client.RemoteCache { return rpc.Cache(name) },
		client.NewTransactionTable(tableCfg),
		cfg.TransactionTimeout, cfg.RPCTimeout)
	sh.current = *cacheName

	if args := flag.Args(); len(args) > 0 {
		if err := sh.execute(args); err != nil && !errors.Is(err, errExit) {
			log.Fatalf("Error: %v", err)
		}
		return
	}
	interactive(sh, cfg.Servers[0])
}

func interactive(sh *shell, server string) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojogrid> ",
		HistoryFile:       filepath.Join(os.TempDir(), "gojogrid_cli.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer l.Close()

	fmt.Printf("gojogrid CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", server)
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				_ = sh.execute([]string{"exit"})
				return
			}
			continue
		}
		if err := sh.execute(strings.Fields(line)); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
}
