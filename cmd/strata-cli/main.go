// Command strata-cli is a thin embedding entrypoint over pkg/engine: it
// opens (or creates) a database rooted at -data-dir and performs one
// operation per invocation, the same one-shot-process style the
// original engine's repair and regression tools use rather than a
// long-lived shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/mnohosten/strata/pkg/engine"
	"github.com/mnohosten/strata/pkg/metrics"
	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
)

// demoSchema is a fixed two-column (key, value) schema used by the CLI's
// put/get/scan commands. A real embedder supplies its own schema; this one
// exists purely so the CLI has something to operate on without pulling in
// a record-definition front end, which is out of scope for the core.
func demoSchema() *record.DynSchema {
	schema, err := record.NewDynSchema([]record.ColumnDef{
		{Name: "key", Type: record.Utf8},
		{Name: "value", Type: record.Utf8, Nullable: true},
	}, 0)
	if err != nil {
		panic(err)
	}
	return schema
}

func main() {
	dataDir := flag.String("data-dir", "./data", "Database directory")
	cmd := flag.String("cmd", "stats", "Operation: put, get, scan, stats, flush")
	key := flag.String("key", "", "Key for put/get")
	value := flag.String("value", "", "Value for put")
	httpAddr := flag.String("http", "", "If set, serve GET /stats and GET /metrics on this address instead of running -cmd once")
	flag.Parse()

	schema := demoSchema()
	fs := afero.NewOsFs()
	db, err := engine.Open(fs, schema, engine.DefaultOptions(*dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata-cli: open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if *httpAddr != "" {
		serveStats(db, *httpAddr)
		return
	}

	ctx := context.Background()
	switch *cmd {
	case "put":
		if err := put(ctx, db, schema, *key, *value); err != nil {
			fmt.Fprintf(os.Stderr, "strata-cli: put: %v\n", err)
			os.Exit(1)
		}
	case "get":
		if err := get(ctx, db, *key); err != nil {
			fmt.Fprintf(os.Stderr, "strata-cli: get: %v\n", err)
			os.Exit(1)
		}
	case "scan":
		if err := scan(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "strata-cli: scan: %v\n", err)
			os.Exit(1)
		}
	case "flush":
		if err := db.Flush(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "strata-cli: flush: %v\n", err)
			os.Exit(1)
		}
	case "stats":
		printStats(db)
	default:
		fmt.Fprintf(os.Stderr, "strata-cli: unknown -cmd %q\n", *cmd)
		os.Exit(1)
	}
}

func put(ctx context.Context, db *engine.DB, schema *record.DynSchema, key, value string) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	rec := &record.DynRecord{
		Schema: schema,
		Values: []record.Value{
			{Type: record.Utf8, Bytes: []byte(key)},
			{Type: record.Utf8, Bytes: []byte(value)},
		},
	}
	return db.Insert(ctx, rec)
}

func get(ctx context.Context, db *engine.DB, key string) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	rec, err := db.Get(ctx, record.BytesKey(key), record.MaxTimestamp)
	if err != nil {
		return err
	}
	fmt.Println(string(rec.Values[1].Bytes))
	return nil
}

func scan(ctx context.Context, db *engine.DB) error {
	entries, err := db.Scan(ctx, record.Range{}, record.MaxTimestamp, record.ProjectionMask{}, sstable.Asc)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", string(e.Key), string(e.Record.Values[1].Bytes))
	}
	return nil
}

func printStats(db *engine.DB) {
	stats := db.Stats()
	fmt.Printf("mutable rows: %d\n", stats.MutableRows)
	fmt.Printf("immutable queue: %d\n", stats.ImmutableQueue)
	for l, n := range stats.LevelTableCount {
		if n > 0 {
			fmt.Printf("level %d tables: %d\n", l, n)
		}
	}
}

// serveStats exposes GET /stats and GET /metrics over chi, the operational
// debug surface SPEC_FULL wires chi and the Prometheus client for; neither
// is ever started unless -http is passed explicitly.
func serveStats(db *engine.DB, addr string) {
	exporter := metrics.NewPrometheusExporter(db.Metrics(), nil)

	r := chi.NewRouter()
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats := db.Stats()
		fmt.Fprintf(w, "mutable_rows %d\nimmutable_queue %d\n", stats.MutableRows, stats.ImmutableQueue)
		for l, n := range stats.LevelTableCount {
			fmt.Fprintf(w, "level_%d_tables %d\n", l, n)
		}
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if err := exporter.WriteMetrics(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	fmt.Printf("strata-cli: serving stats on %s\n", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		fmt.Fprintf(os.Stderr, "strata-cli: http: %v\n", err)
		os.Exit(1)
	}
}
