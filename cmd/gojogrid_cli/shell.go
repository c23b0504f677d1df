package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/client"
	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

// shell runs the CLI commands against one server. At most one transaction is
// open at a time; while it is, reads and writes are buffered in it.
type shell struct {
	out     io.Writer
	logger  *zap.Logger
	remote  func(name string) client.RemoteCache
	manager *platform.Manager
	table   client.TransactionTable
	timeout time.Duration

	caches  map[string]*client.Cache[string, []byte]
	current string

	txCtx context.Context
	tx    *platform.EmbeddedTransaction
}

func newShell(out io.Writer, logger *zap.Logger, remote func(string) client.RemoteCache, table client.TransactionTable, txTimeout, rpcTimeout time.Duration) *shell {
	return &shell{
		out:     out,
		logger:  logger,
		remote:  remote,
		manager: platform.NewManager(logger, txTimeout),
		table:   table,
		timeout: rpcTimeout,
		caches:  make(map[string]*client.Cache[string, []byte]),
		current: "default",
	}
}

func (s *shell) cache() *client.Cache[string, []byte] {
	c, ok := s.caches[s.current]
	if !ok {
		c = client.NewCache[string, []byte](s.remote(s.current), client.BytesMarshaller{}, s.table, s.logger)
		s.caches[s.current] = c
	}
	return c
}

// context carries the open transaction, if any.
func (s *shell) context() (context.Context, context.CancelFunc) {
	base := context.Background()
	if s.txCtx != nil {
		base = s.txCtx
	}
	if s.timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, s.timeout)
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one command line. It returns errExit when the shell should
// stop; other errors are reported to the user and the shell goes on.
func (s *shell) execute(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "use":
		if len(args) != 2 {
			return errors.New("use requires a cache name")
		}
		s.current = args[1]
		s.printf("Using cache %s\n", s.current)
	case "begin":
		return s.begin()
	case "put":
		return s.put(args[1:])
	case "get":
		return s.get(args[1:])
	case "remove", "delete":
		return s.remove(args[1:])
	case "commit":
		return s.finish(true)
	case "rollback":
		return s.finish(false)
	case "recover":
		return s.recover(args[1:])
	case "status":
		s.status()
	case "help":
		s.help()
	case "exit", "quit":
		if s.tx != nil {
			_ = s.finish(false)
		}
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func (s *shell) begin() error {
	if s.table == nil {
		return errors.New("transactions are disabled, transaction_mode is NONE")
	}
	if s.tx != nil {
		return fmt.Errorf("transaction %s is still open", s.tx.Xid())
	}
	s.txCtx, s.tx = s.manager.Begin(context.Background())
	s.printf("Transaction %s started\n", s.tx.Xid())
	return nil
}

func (s *shell) put(args []string) error {
	if len(args) < 2 {
		return errors.New("put requires a key and a value, optionally followed by a lifespan such as 30s")
	}
	var opts []client.WriteOption
	value := strings.Join(args[1:], " ")
	if len(args) > 2 {
		if d, err := time.ParseDuration(args[len(args)-1]); err == nil {
			opts = append(opts, client.WithLifespan(d))
			value = strings.Join(args[1:len(args)-1], " ")
		}
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.cache().Put(ctx, args[0], []byte(value), opts...); err != nil {
		return err
	}
	s.printf("OK\n")
	return nil
}

func (s *shell) get(args []string) error {
	if len(args) != 1 {
		return errors.New("get requires a key")
	}
	ctx, cancel := s.context()
	defer cancel()
	value, found, err := s.cache().Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		s.printf("(not found)\n")
		return nil
	}
	s.printf("%s\n", value)
	return nil
}

func (s *shell) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("remove requires a key")
	}
	ctx, cancel := s.context()
	defer cancel()
	removed, err := s.cache().Remove(ctx, args[0])
	if err != nil {
		return err
	}
	s.printf("Removed: %t\n", removed)
	return nil
}

func (s *shell) finish(commit bool) error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	tx := s.tx
	s.tx, s.txCtx = nil, nil

	ctx, cancel := s.context()
	defer cancel()
	var err error
	if commit {
		err = tx.Commit(ctx)
	} else {
		err = tx.Rollback(ctx)
	}
	if err != nil {
		return fmt.Errorf("transaction %s ended as %s: %w", tx.Xid(), tx.Status(), err)
	}
	s.printf("Transaction %s %s\n", tx.Xid(), tx.Status())
	return nil
}

// recover lists in-doubt transactions, or commits or rolls one back.
func (s *shell) recover(args []string) error {
	xaTable, ok := s.table.(*client.XATable)
	if !ok || xaTable.Mode() != client.ModeFullXA {
		return errors.New("recovery needs transaction_mode FULL_XA")
	}
	// The current cache joins the scan even when it was never used.
	s.cache()

	ctx, cancel := s.context()
	defer cancel()
	if len(args) == 0 {
		xids, err := xaTable.Recover(ctx, xa.TMStartRScan|xa.TMEndRScan)
		if err != nil {
			return err
		}
		if len(xids) == 0 {
			s.printf("No in-doubt transactions\n")
			return nil
		}
		for _, xid := range xids {
			s.printf("%s\n", xid)
		}
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: recover [commit|rollback <xid>]")
	}
	xid, err := transaction.ParseXid(args[1])
	if err != nil {
		return err
	}
	res := xaTable.RecoveryResource()
	var outcome string
	switch strings.ToLower(args[0]) {
	case "commit":
		err, outcome = res.Commit(ctx, xid, false), "committed"
	case "rollback":
		err, outcome = res.Rollback(ctx, xid), "rolled back"
	default:
		return errors.New("usage: recover [commit|rollback <xid>]")
	}
	if err != nil {
		return err
	}
	s.printf("Transaction %s %s\n", xid, outcome)
	return nil
}

func (s *shell) status() {
	mode := client.ModeNone
	if s.table != nil {
		mode = s.table.Mode()
	}
	s.printf("Mode: %s\n", mode)
	s.printf("Cache: %s\n", s.current)
	if s.tx != nil {
		s.printf("Transaction: %s (%s)\n", s.tx.Xid(), s.tx.Status())
	} else {
		s.printf("Transaction: none\n")
	}
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	s.printf("Caches used: %s\n", strings.Join(names, ", "))
}

func (s *shell) help() {
	s.printf(`Commands:
  use <cache>
  begin
  put <key> <value> [lifespan]
  get <key>
  remove <key>
  commit
  rollback
  recover [commit|rollback <xid>]
  status
  help
  exit / quit
`)
}
