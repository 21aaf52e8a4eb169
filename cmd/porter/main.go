// porter answers the front door: it takes doorbell rings, opens a realtime
// voice call with the visitor and lets the AI use snapshots, weather and the
// porch light.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-porter/internal/config"
	plog "github.com/teslashibe/go-porter/internal/log"
	"github.com/teslashibe/go-porter/pkg/porter"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	envPath := flag.String("env", ".env", "dotenv file to load")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	port := flag.Int("port", 0, "Webhook port (overrides WEBHOOK_PORT)")
	flag.Parse()

	cfg, err := config.Load(*envPath, *configPath)
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *port > 0 {
		cfg.Webhook.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	plog.Init(cfg.LogLevel, cfg.LogFormat)

	fmt.Println()
	fmt.Println("🚪 go-porter " + version)
	fmt.Printf("   Doorbell: %s\n", cfg.Doorbell.URL)
	fmt.Printf("   Webhook:  http://%s/doorbell\n", cfg.ListenAddr())
	fmt.Printf("   Features: weather=%v light=%v vision=%v\n",
		cfg.Features.Weather, cfg.Features.LightControl, cfg.Features.Vision)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	plog.Debug("configuration loaded",
		"timezone", cfg.Timezone,
		"backchannel", cfg.Playback.Backchannel,
		"barge_in", cfg.Turn.BargeIn,
		"tool_timeout", cfg.Tools.Timeout)

	app, err := porter.New(ctx, cfg, plog.L())
	if err != nil {
		log.Fatalf("❌ Initialization failed: %v", err)
	}
	plog.Component("main").Info("porter ready", "tools", app.Registry().Len(), "addr", cfg.ListenAddr())

	if err := app.Run(ctx); err != nil {
		plog.Error("porter stopped with errors", "error", err)
		log.Fatalf("❌ Runtime error: %v", err)
	}
	plog.Info("shutdown complete")
	fmt.Println("\n👋 Goodbye!")
}
