package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Database.URL = ""
	cfg.Telemetry.Enabled = false
	cfg.Agents.BundlesDir = t.TempDir()
	cfg.Tools.RepoRoot = t.TempDir()
	return cfg
}

func TestNewWithConfig_Wires(t *testing.T) {
	cfg := testConfig(t)
	srv, err := server.NewWithConfig(context.Background(), cfg, server.Options{})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if srv.Handler == nil || srv.Store == nil || srv.Provider == nil || srv.Jobs == nil {
		t.Fatal("server initialized with missing components")
	}
	if err := srv.ShutdownFunc(context.Background()); err != nil {
		t.Errorf("ShutdownFunc() error = %v", err)
	}
}

func TestStart_RefreshesPriceFeed(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"test-model": {"input_per_1k": 0.5, "output_per_1k": 1.0}}`))
	}))
	defer feed.Close()

	cfg := testConfig(t)
	cfg.Provider.PriceFeedURL = feed.URL
	cfg.Provider.PriceRefreshInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewWithConfig(ctx, cfg, server.Options{})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	defer srv.ShutdownFunc(context.Background())
	srv.Start(ctx)

	// The startup fetch lands asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Provider.Prices().Lookup("test-model").InputPer1K == 0.5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("price table never picked up the feed")
}
