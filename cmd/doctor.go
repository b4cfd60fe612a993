package cmd

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("convogate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agent runner:")
	fmt.Printf("    %-10s %s\n", "URL:", cfg.Agent.BaseURL)
	checkAgent(cfg.Agent.BaseURL)

	fmt.Println()
	fmt.Println("  Session store:")
	backend := cfg.Database.Backend
	if backend == "" {
		backend = "file"
	}
	fmt.Printf("    %-10s %s\n", "Backend:", backend)
	path := cfg.Database.Path
	if path == "" {
		path = cfg.Sessions.Storage
	}
	st, err := store.Open(store.Config{
		Backend:     cfg.Database.Backend,
		Path:        path,
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		fmt.Printf("    %-10s FAILED: %s\n", "Open:", err)
	} else {
		fmt.Printf("    %-10s OK (%d sessions)\n", "Open:", len(st.List()))
		st.Close()
	}

	fmt.Println()
	fmt.Println("  Channels:")
	printChannel("telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	printChannel("discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	printChannel("webchat", cfg.Channels.WebChat.Enabled, true)
}

func checkAgent(baseURL string) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Health:", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-10s %s\n", "Health:", resp.Status)
}

func printChannel(name string, enabled, hasToken bool) {
	state := "disabled"
	if enabled {
		state = "enabled"
		if !hasToken {
			state = "enabled (MISSING TOKEN)"
		}
	}
	fmt.Printf("    %-10s %s\n", name+":", state)
}
