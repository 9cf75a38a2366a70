// ABOUTME: Entry point for the auricle-top daemon monitor.
// ABOUTME: Subscribes to status updates and renders them in a TUI.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/internal/ui"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

var (
	server   = flag.String("server", "", "Daemon address (default: localhost on the default port)")
	interval = flag.Duration("interval", time.Second, "Status update interval")
	logFile  = flag.String("log-file", "auricle-top.log", "Log file path (the TUI owns the terminal)")
)

func main() {
	flag.Parse()

	// The TUI owns stdout, so logs go to the file only.
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()
	log.SetOutput(f)

	addr := *server
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	}

	client := protocol.NewClient(protocol.Config{
		ServerAddr: addr,
		ClientID:   uuid.New().String(),
		Name:       "auricle-top",
	})
	if err := client.Connect(); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer client.Close()

	if err := client.SubscribeStatus(*interval); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("Failed to subscribe: %v", err)
	}

	prog := ui.NewProgram()
	go feedStatus(prog, client)

	if _, err := prog.Run(); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("TUI error: %v", err)
	}
}

// feedStatus forwards daemon updates and connection state into the TUI.
func feedStatus(prog *tea.Program, client *protocol.Client) {
	connected := true
	prog.Send(ui.StatusMsg{Connected: &connected})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case su := <-client.Status:
			prog.Send(ui.StatusMsg{Update: &su})
		case em := <-client.Errors:
			prog.Send(ui.StatusMsg{Err: em.Message})
		case <-ticker.C:
			if !client.IsConnected() {
				down := false
				prog.Send(ui.StatusMsg{Connected: &down})
				return
			}
		}
	}
}
