package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/harvester/internal/cli"
	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/internal/logging"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// catalog is a mutable JSON record feed.
type catalog struct {
	mu      sync.Mutex
	records []map[string]any
}

func (c *catalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.records)
}

func (c *catalog) update(f func([]map[string]any) []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = f(c.records)
}

func main() {
	dataDir, err := os.MkdirTemp("", "harvester-demo-")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dataDir)

	feed := &catalog{}
	for i := 1; i <= 250; i++ {
		feed.records = append(feed.records, map[string]any{
			"id":    fmt.Sprintf("rec-%03d", i),
			"title": fmt.Sprintf("Record %d", i),
			"body":  fmt.Sprintf("Body of record %d", i),
		})
	}
	ts := httptest.NewServer(feed)
	defer ts.Close()

	cfg := config.Default()
	cfg.Service.DataDir = dataDir
	cfg.Source.URL = ts.URL
	cfg.Harvest.AutoSave = true
	cfg.Harvest.AutoSubmit = true

	logger, _ := logging.Setup("", slog.LevelWarn)
	app, err := cli.NewApp(cfg, logger, nil)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	defer app.Close()

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}
	fmt.Printf("✓ Service started (state: %s, source: %s)\n", app.Controller.Current(), ts.URL)

	done := make(chan events.ProcessFinished, 8)
	eventbus.On(app.Bus, func(e events.ProcessFinished) error {
		if e.Stage == types.PhaseSubmitting || e.Err != nil {
			done <- e
		}
		return nil
	})
	eventbus.On(app.Bus, func(e events.HarvestDiff) error {
		fmt.Printf("  diff: +%d ~%d -%d\n", e.Added, e.Updated, e.Deleted)
		return nil
	})

	run := func(label string) {
		fmt.Printf("\n▶ %s\n", label)
		if _, err := app.Controller.RequestHarvest(types.HarvestRequest{}); err != nil {
			log.Fatalf("Harvest rejected: %v", err)
		}
		select {
		case e := <-done:
			if e.Err != nil {
				fmt.Printf("  %s ended: %v\n", e.Stage, e.Err)
			} else {
				fmt.Printf("  harvest → save → submit finished in %s\n", e.Duration.Round(time.Millisecond))
			}
		case <-time.After(30 * time.Second):
			log.Fatal("Timed out waiting for the run")
		}
		// the controller settles after the subscribers of ProcessFinished
		for app.Controller.Current().Phase != types.PhaseIdle {
			time.Sleep(10 * time.Millisecond)
		}
		n, _ := app.Index.Count(ctx)
		fmt.Printf("  index holds %d documents\n", n)
	}

	run("Initial harvest")
	run("Harvest of an unchanged source")

	feed.update(func(recs []map[string]any) []map[string]any {
		recs[1]["title"] = "Record 2 (revised)"
		recs = recs[1:]
		return append(recs, map[string]any{"id": "rec-999", "title": "Late arrival", "body": "new"})
	})
	run("Harvest after one update, one deletion and one addition")

	docs, err := app.Index.Search(ctx, "revised", 5)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}
	fmt.Printf("\nSearch \"revised\": %d hit(s)\n", len(docs))
	for _, d := range docs {
		fmt.Printf("  %s  %s\n", d.ID, d.Title)
	}
}
