package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/engine"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/storage"
)

// sysexits-style codes so operator scripts can tell bad invocations from
// broker outages.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
)

const adminTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Credentials live in the environment; a local .env is a convenience,
	// not a requirement.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("ladderbot", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	pidPath := fs.String("pidfile", "", "pid file path (default: next to the database)")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(fs)
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderbot: %v\n", err)
		return exitUsage
	}
	log := newLogger(cfg.Environment.LogLevel)
	pidfile := *pidPath
	if pidfile == "" {
		pidfile = cfg.Storage.Path + ".pid"
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "start":
		return cmdStart(cfg, pidfile, log)
	case "stop":
		return cmdStop(pidfile, log)
	case "set-mode":
		return cmdSetMode(pidfile, rest, log)
	case "list-open":
		return cmdListOpen(cfg, log)
	case "close":
		return cmdClose(cfg, rest, log)
	case "reconcile":
		return cmdReconcile(cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "ladderbot: unknown command %q\n", cmd)
		usage(fs)
		return exitUsage
	}
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, `Usage: ladderbot [flags] <command>

Commands:
  start              run the trading engine in the foreground
  stop               signal a running engine to shut down
  set-mode <mode>    switch a running engine between paper and live
  list-open          print open trades for the configured mode
  close <trade-id>   manually close one open trade at market
  reconcile          run one reconciliation pass against the broker

Flags:`)
	fs.PrintDefaults()
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// buildBroker wires the configured broker. Paper mode still streams the live
// public quote feed; it just fills against the simulator instead of the
// exchange.
func buildBroker(cfg *config.Config, instruments []models.Instrument,
	ticks *market.TickStore, log *logrus.Logger) broker.Broker {
	kite := broker.NewKiteClient(
		cfg.Broker.APIEndpoint,
		cfg.Broker.StreamEndpoint,
		cfg.Broker.APIKey,
		cfg.Broker.AccessToken,
		instruments,
		cfg.BrokerTimeout(),
		log,
	)
	if cfg.IsPaperTrading() {
		return broker.NewPaperBroker(kite, ticks, log)
	}
	return broker.NewCircuitBreakerBroker(kite, log)
}

func cmdStart(cfg *config.Config, pidfile string, log *logrus.Logger) int {
	instruments, err := config.LoadInstruments(cfg.Universe.InstrumentsPath, cfg.Universe.Symbols)
	if err != nil {
		log.WithError(err).Error("loading instruments manifest")
		return exitUsage
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("opening position store")
		return exitUnavailable
	}
	defer store.Close()

	ticks := market.NewTickStore(instruments, log)
	brk := buildBroker(cfg, instruments, ticks, log)

	if cfg.IsPaperTrading() {
		log.Info("PAPER TRADING MODE, no real money at risk")
	} else {
		log.Warn("LIVE TRADING MODE, real money at risk")
		log.Warn("waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	sup, err := engine.New(cfg, instruments, store, brk, ticks, log)
	if err != nil {
		log.WithError(err).Error("assembling engine")
		return exitInternal
	}

	if err := writePidfile(pidfile); err != nil {
		log.WithError(err).Error("writing pid file")
		return exitUnavailable
	}
	defer os.Remove(pidfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				if err := sup.SetMode(ctx, models.ModeLive); err != nil {
					log.WithError(err).Error("switching to live mode")
				}
			case syscall.SIGUSR2:
				if err := sup.SetMode(ctx, models.ModePaper); err != nil {
					log.WithError(err).Error("switching to paper mode")
				}
			default:
				log.WithField("signal", sig).Info("shutdown signal received")
				cancel()
				return
			}
		}
	}()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("engine failed")
		return exitInternal
	}
	return exitOK
}

func writePidfile(path string) error {
	if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- operator-supplied pid file path
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && processAlive(pid) {
			return fmt.Errorf("engine already running with pid %d", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied pid file path
	if err != nil {
		return 0, fmt.Errorf("engine does not appear to be running: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func cmdStop(pidfile string, log *logrus.Logger) int {
	pid, err := readPidfile(pidfile)
	if err != nil {
		log.WithError(err).Error("stop")
		return exitUnavailable
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		log.WithError(err).WithField("pid", pid).Error("signalling engine")
		return exitUnavailable
	}
	log.WithField("pid", pid).Info("shutdown requested")
	return exitOK
}

// cmdSetMode signals a running engine: SIGUSR1 selects live, SIGUSR2 paper.
// The engine pauses entries and trailing, swaps the position namespace and
// reconciles before resuming.
func cmdSetMode(pidfile string, args []string, log *logrus.Logger) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ladderbot set-mode <paper|live>")
		return exitUsage
	}
	mode := models.Mode(strings.ToLower(args[0]))
	if !mode.Valid() {
		fmt.Fprintf(os.Stderr, "ladderbot: unknown mode %q\n", args[0])
		return exitUsage
	}

	pid, err := readPidfile(pidfile)
	if err != nil {
		log.WithError(err).Error("set-mode")
		return exitUnavailable
	}
	sig := syscall.SIGUSR2
	if mode == models.ModeLive {
		sig = syscall.SIGUSR1
	}
	if err := syscall.Kill(pid, sig); err != nil {
		log.WithError(err).WithField("pid", pid).Error("signalling engine")
		return exitUnavailable
	}
	log.WithFields(logrus.Fields{"pid": pid, "mode": mode}).Info("mode switch requested")
	return exitOK
}

func cmdListOpen(cfg *config.Config, log *logrus.Logger) int {
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("opening position store")
		return exitUnavailable
	}
	defer store.Close()

	open, err := store.OpenTrades(cfg.Mode())
	if err != nil {
		log.WithError(err).Error("loading open trades")
		return exitInternal
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tP\tSTATUS\tQTY\tENTRY\tSTOP\tTARGET\tGTT")
	for _, tr := range open {
		target := "-"
		if tr.CurrentTargetPrice.Sign() > 0 {
			target = tr.CurrentTargetPrice.StringFixed(2)
		}
		fmt.Fprintf(w, "%d\t%s\tP%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			tr.ID, tr.Symbol, tr.PositionIndex, tr.Status, tr.Qty,
			tr.EntryPrice.StringFixed(2), tr.CurrentStopPrice.StringFixed(2),
			target, tr.GTTID)
	}
	w.Flush()

	if stats, err := store.Statistics(cfg.Mode()); err == nil && stats.TotalTrades > 0 {
		fmt.Printf("\n%d closed trades, %d wins / %d losses (%.1f%%), total pnl %s\n",
			stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRate*100,
			stats.TotalPnL.StringFixed(2))
	}
	return exitOK
}

func cmdClose(cfg *config.Config, args []string, log *logrus.Logger) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ladderbot close <trade-id>")
		return exitUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderbot: bad trade id %q\n", args[0])
		return exitUsage
	}

	instruments, err := config.LoadInstruments(cfg.Universe.InstrumentsPath, cfg.Universe.Symbols)
	if err != nil {
		log.WithError(err).Error("loading instruments manifest")
		return exitUsage
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("opening position store")
		return exitUnavailable
	}
	defer store.Close()

	ticks := market.NewTickStore(instruments, log)
	brk := buildBroker(cfg, instruments, ticks, log)

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	orderID, err := engine.CloseTrade(ctx, store, brk, id, log)
	if err != nil {
		log.WithError(err).Error("closing trade")
		return exitInternal
	}
	fmt.Printf("trade %d closing, exit order %s\n", id, orderID)
	return exitOK
}

func cmdReconcile(cfg *config.Config, log *logrus.Logger) int {
	instruments, err := config.LoadInstruments(cfg.Universe.InstrumentsPath, cfg.Universe.Symbols)
	if err != nil {
		log.WithError(err).Error("loading instruments manifest")
		return exitUsage
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("opening position store")
		return exitUnavailable
	}
	defer store.Close()

	ticks := market.NewTickStore(instruments, log)
	brk := buildBroker(cfg, instruments, ticks, log)

	sup, err := engine.New(cfg, instruments, store, brk, ticks, log)
	if err != nil {
		log.WithError(err).Error("assembling engine")
		return exitInternal
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	if err := sup.ReconcileOnce(ctx); err != nil {
		log.WithError(err).Error("reconciliation failed")
		return exitUnavailable
	}
	log.Info("reconciliation complete")
	return exitOK
}
