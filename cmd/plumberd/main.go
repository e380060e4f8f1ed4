// Command plumberd is the reference host process: it wires a module
// registry, a servlet table, a service graph and a scheduler together
// around a single accept-capable I/O module (HTTP) and a single
// persistent-state store, and runs until signaled. It is intentionally
// thin — loading servlets and building service graphs from a config
// file or script is out of scope here; this wiring exists to prove the
// packages compose, not to be a general-purpose runtime launcher.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/brunotm/plumber/config"
	"github.com/brunotm/plumber/equeue"
	"github.com/brunotm/plumber/graph"
	"github.com/brunotm/plumber/internal/httpserver"
	"github.com/brunotm/plumber/internal/plog"
	httpmod "github.com/brunotm/plumber/modio/http"
	"github.com/brunotm/plumber/module"
	"github.com/brunotm/plumber/sched"
	"github.com/brunotm/plumber/servlet"
	"github.com/brunotm/plumber/store"
	"github.com/brunotm/plumber/store/leveldb"
	"github.com/brunotm/plumber/store/moss"
)

func main() {
	addr := flag.String("addr", ":8080", "http listen address")
	backend := flag.String("backend", "moss", "persistent store backend: moss or leveldb")
	dbPath := flag.String("db-path", "./plumberd.db", "data directory for the leveldb backend")
	workers := flag.Int("workers", 4, "scheduler worker count")
	asyncWorkers := flag.Int("async-workers", 2, "async bucket worker count")
	asyncBuckets := flag.Int("async-buckets", 4, "async bucket count")
	queueCap := flag.Int("queue-capacity", 1024, "event queue capacity")
	flag.Parse()

	cfg := config.NewConfig(map[string]interface{}{
		"http":  map[string]interface{}{"addr": *addr},
		"store": map[string]interface{}{"backend": *backend, "path": *dbPath},
		"scheduler": map[string]interface{}{
			"worker":       map[string]interface{}{"count": *workers},
			"async_worker": map[string]interface{}{"count": *asyncWorkers},
			"async_bucket": map[string]interface{}{"count": *asyncBuckets},
			"queue":        map[string]interface{}{"capacity": *queueCap},
		},
	})

	log := plog.New("component", "plumberd")

	if err := run(cfg, log); err != nil {
		log.Errorw("plumberd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log plog.Logger) error {
	supplier, err := storeSupplier(cfg)
	if err != nil {
		return err
	}
	db, err := supplier()
	if err != nil {
		return err
	}

	registry := module.New()

	storeModule := store.NewModule("store.state", db)
	if _, err := registry.Insmod(storeModule, nil); err != nil {
		return err
	}

	httpModule := httpmod.NewModule("io.http", httpmod.Config{
		Config: httpserver.Config{
			Addr: cfg.Get("http", "addr").String(":8080"),
		},
	})
	if _, err := registry.Insmod(httpModule, nil); err != nil {
		return err
	}
	defer registry.Finalize()

	g, err := buildGraph(storeModule)
	if err != nil {
		return err
	}

	opts := cfg.SchedulerOptions()
	q := equeue.New(opts.QueueCap)
	s, err := sched.New(g, q, opts)
	if err != nil {
		return err
	}
	s.Start()
	defer s.Stop()

	go httpModule.Run(s, g)
	log.Infow("listening", "addr", cfg.Get("http", "addr").String(":8080"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Infow("shutting down")
	return httpModule.Close()
}

// storeSupplier picks the persistent-state backend named by cfg, one of
// "moss" (in-process, no external files) or "leveldb" (disk-backed at
// db-path).
func storeSupplier(cfg config.Config) (store.Supplier, error) {
	switch backend := cfg.Get("store", "backend").String("moss"); backend {
	case "leveldb":
		path := cfg.Get("store", "path").String("./plumberd.db")
		return leveldb.Supplier(path, "plumberd"), nil
	case "moss", "":
		return moss.Supplier("plumberd"), nil
	default:
		return nil, unknownBackendError(backend)
	}
}

type unknownBackendError string

func (e unknownBackendError) Error() string { return "unknown store backend: " + string(e) }

// buildGraph assembles the single-node service graph for the reference
// echo-store servlet, wiring its "in"/"out" pipe slots as the graph's
// external input and output endpoint.
func buildGraph(db *store.Module) (*graph.Graph, error) {
	bin := newEchoStoreBinary(db)
	if _, err := bin.EnsurePDT(bin.NewContext()); err != nil {
		return nil, err
	}

	servlets := servlet.NewTable()
	if _, err := servlets.Load("svc.echo", nil, bin); err != nil {
		return nil, err
	}

	buf := graph.NewBuffer()
	node, err := buf.AddNode("svc.echo", nil)
	if err != nil {
		return nil, err
	}

	pdt := bin.PDT()
	inID, _ := pdt.ByName("in")
	outID, _ := pdt.ByName("out")
	if err := buf.SetInput(node, inID); err != nil {
		return nil, err
	}
	if err := buf.SetOutput(node, outID); err != nil {
		return nil, err
	}

	return graph.FromBuffer(buf, servlets)
}
