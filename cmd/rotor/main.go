// rotor is a service which assigns a shared, finite pool of items to
// requesting callers, rotating each item out of service once it reaches a
// configured usage limit and resetting the rotation when the pool is
// exhausted. Pool state is coordinated through Etcd, and usage counts are
// additionally snapshotted to local disk to survive restarts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.rotor.dev/core/http_gateway"
	mbp "go.rotor.dev/core/mainboilerplate"
	"go.rotor.dev/core/metrics"
	"go.rotor.dev/core/pool"
	"go.rotor.dev/core/server"
	"go.rotor.dev/core/task"
)

const iniFilename = "rotor.ini"

// Config is the top-level configuration object of a rotor allocator.
var Config = new(struct {
	Rotor struct {
		mbp.ServiceConfig
		Limit            int           `long:"limit" env:"LIMIT" default:"2" description:"Maximum number of allocations an item serves before rotating out"`
		ItemsFile        string        `long:"items-file" env:"ITEMS_FILE" default:"links.txt" description:"Path of the newline-delimited canonical item list"`
		SnapshotFile     string        `long:"snapshot-file" env:"SNAPSHOT_FILE" default:"item_usage.json" description:"Path of the durable usage snapshot"`
		SnapshotInterval time.Duration `long:"snapshot-interval" env:"SNAPSHOT_INTERVAL" default:"1s" description:"Interval between usage snapshot writes"`
		ForceReset       bool          `long:"force-reset" env:"FORCE_RESET" description:"Clear all prior pool and ledger state at startup"`
	} `group:"Rotor" namespace:"rotor" env-namespace:"ROTOR"`

	Etcd struct {
		mbp.EtcdConfig
		Prefix string `long:"prefix" env:"PREFIX" default:"/rotor" description:"Etcd base prefix for pool state and coordination"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveRotor struct{}

func (serveRotor) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("starting rotor")
	prometheus.MustRegister(metrics.RotorCollectors()...)

	var fs = afero.NewOsFs()

	var items, err = pool.LoadItemList(fs, Config.Rotor.ItemsFile)
	mbp.Must(err, "loading canonical item list")

	var persister = pool.NewPersister(fs, Config.Rotor.SnapshotFile, Config.Rotor.SnapshotInterval)

	var etcd = Config.Etcd.MustDial()
	p, err := pool.NewPool(etcd, pool.Config{
		Prefix:         Config.Etcd.Prefix,
		Limit:          Config.Rotor.Limit,
		Items:          items,
		LeaseTTL:       Config.Etcd.LeaseTTL,
		OnLedgerUpdate: persister.Queue,
	})
	mbp.Must(err, "building Pool instance")

	var savedUsage = pool.LoadSnapshot(fs, Config.Rotor.SnapshotFile)
	mbp.Must(p.Reseed(context.Background(), Config.Rotor.ForceReset, savedUsage),
		"seeding pool")

	srv, err := server.New("", Config.Rotor.Port)
	mbp.Must(err, "building Server instance")

	var gateway = http_gateway.NewGateway(p)
	srv.HTTPMux.Handle("/get_item", gateway)
	srv.HTTPMux.Handle("/status", gateway)

	var tasks = task.NewGroup(context.Background())
	srv.QueueTasks(tasks)

	tasks.Queue("persister.Serve", func() error {
		persister.Serve()
		return nil
	})
	tasks.Queue("persister.Finish", func() error {
		// Flush any queued usage snapshot at shutdown.
		<-tasks.Context().Done()
		persister.Finish()
		return nil
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-tasks.Context().Done():
		}
		tasks.Cancel()
		return nil
	})

	log.WithFields(log.Fields{
		"id":       Config.Rotor.ProcessID(),
		"host":     Config.Rotor.Hostname(),
		"endpoint": srv.Endpoint(),
		"items":    len(items),
		"limit":    Config.Rotor.Limit,
	}).Info("serving allocations")

	tasks.GoRun()
	err = tasks.Wait()
	_ = p.Close()

	mbp.Must(err, "rotor task failed")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as rotor allocator", `
Serve a rotor allocator with the provided configuration, until signaled to
exit (via SIGTERM). The canonical item list is loaded at startup, and seeds
the shared rotation pool if the pool doesn't already exist (or unconditionally
with --rotor.force-reset).
`, &serveRotor{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
