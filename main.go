// ABOUTME: Entry point for the auricled audio daemon.
// ABOUTME: Loads config, registers devices, serves the control gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/internal/control"
	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/device/backend"
	"github.com/auricle-audio/auricle-go/internal/discovery"
	"github.com/auricle-audio/auricle-go/internal/service"
	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/internal/version"
	"github.com/auricle-audio/auricle-go/pkg/audio"
)

var (
	configPath = flag.String("config", "", "Config file path (default: builtin speaker config)")
	port       = flag.Int("port", 0, "Control port override (default: config or 8770)")
	name       = flag.String("name", "", "Daemon name (default: hostname-auricle)")
	logFile    = flag.String("log-file", "", "Log to this file as well as stderr")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement and discovery")
)

func main() {
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	daemonName := *name
	if daemonName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		daemonName = fmt.Sprintf("%s-auricle", hostname)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}

	log.Printf("Starting %s %s: %s", version.Product, version.Version, daemonName)

	svc, err := service.New(daemonName, &telemetry.Metrics{}, nil)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	ctx := context.Background()
	for i := range cfg.Devices {
		profile := cfg.Devices[i]
		ep, err := buildEndpoint(&profile)
		if err != nil {
			log.Fatalf("Device %s: %v", profile.Name, err)
		}
		if err := svc.AddDevice(ctx, profile, ep); err != nil {
			log.Printf("Warning: failed to add device %s: %v", profile.Name, err)
		}
	}

	gateway, err := control.NewGateway(control.Config{
		Port:    cfg.ListenPort,
		Name:    daemonName,
		Service: svc,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	if err := gateway.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	log.Printf("Control gateway listening on %s", gateway.Addr())

	var disc *discovery.Manager
	if cfg.MDNS && !*noMDNS {
		disc = discovery.NewManager(discovery.Config{Name: daemonName, Port: cfg.ListenPort})
		if err := disc.Advertise(); err != nil {
			log.Printf("Warning: mDNS advertise failed: %v", err)
		}
		if err := disc.Browse(); err != nil {
			log.Printf("Warning: mDNS browse failed: %v", err)
		}
		go adoptNetworkDevices(ctx, svc, disc)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("Shutdown signal received")

	if disc != nil {
		disc.Stop()
	}
	gateway.Stop()
	svc.Close()
	log.Printf("Daemon stopped")
}

// buildEndpoint maps a config backend name onto a device endpoint.
func buildEndpoint(p *config.DeviceProfile) (device.Endpoint, error) {
	switch p.Backend {
	case "speaker":
		return backend.NewSpeaker(), nil
	case "synthetic":
		return backend.NewSynthetic(p.Name, p.Input, []audio.Format{p.Format}), nil
	case "wav":
		if p.Input {
			return backend.NewWavSource(p.Path), nil
		}
		return backend.NewWavSink(p.Path), nil
	case "net":
		return backend.NewNetSink(p.Address, p.Name), nil
	}
	return nil, fmt.Errorf("unknown backend %q", p.Backend)
}

// adoptNetworkDevices adds speakers found over mDNS as output devices. A
// speaker that drops off unplugs itself; mDNS only handles arrival.
func adoptNetworkDevices(ctx context.Context, svc *service.Service, disc *discovery.Manager) {
	for dev := range disc.Devices() {
		profile := config.DeviceProfile{
			Name:    dev.Name,
			Backend: "net",
			Address: dev.Addr(),
		}
		sink := backend.NewNetSink(dev.Addr(), dev.Name)
		if err := svc.AddDevice(ctx, profile, sink); err != nil {
			log.Printf("Warning: failed to adopt %s: %v", dev.Name, err)
			disc.Forget(dev.Addr())
		}
	}
}
