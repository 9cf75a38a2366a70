// ABOUTME: Entry point for the auricle-rec capture client.
// ABOUTME: Records from the daemon's capture path into a WAV file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/audio/encode"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
	"github.com/google/uuid"
)

const (
	streamID = 1
	bufferID = 1
	// numReceptacles is how many synchronous receptacles stay in flight.
	numReceptacles = 3
)

var (
	server   = flag.String("server", "", "Daemon address (default: localhost on the default port)")
	rate     = flag.Int("rate", 48000, "Sample rate in frames per second")
	channels = flag.Int("channels", 2, "Channel count")
	packetMs = flag.Int("packet-ms", 100, "Capture packet length in milliseconds")
	duration = flag.Duration("duration", 0, "Stop after this long (0 records until interrupted)")
	syncMode = flag.Bool("sync", false, "Use synchronous CaptureAt receptacles instead of async capture")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: auricle-rec [flags] <out.wav>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	format := audio.Format{
		SampleFormat:    audio.SampleFormatSigned16,
		Channels:        *channels,
		FramesPerSecond: *rate,
	}
	if err := format.Validate(); err != nil {
		log.Fatalf("Bad format: %v", err)
	}
	packetFrames := format.FramesForDuration(time.Duration(*packetMs) * time.Millisecond)
	if packetFrames < 1 {
		log.Fatalf("Packet of %dms is shorter than one frame", *packetMs)
	}

	writer, err := encode.NewWavWriter(path, format)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", path, err)
	}

	addr := *server
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	}
	client := protocol.NewClient(protocol.Config{
		ServerAddr: addr,
		ClientID:   uuid.New().String(),
		Name:       "auricle-rec",
	})
	if err := client.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer client.Close()

	if err := client.CreateCapturer(streamID, audio.UsageForeground); err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}
	if err := client.SetFormat(streamID, format); err != nil {
		log.Fatalf("Failed to set format: %v", err)
	}

	packetBytes := packetFrames * int64(format.BytesPerFrame())
	if *syncMode {
		// One shared buffer partitioned into receptacle slots; each CaptureAt
		// names its slot by frame offset.
		region := make([]byte, packetBytes*numReceptacles)
		if err := client.AddPayloadBuffer(streamID, bufferID, region); err != nil {
			log.Fatalf("Failed to add payload buffer: %v", err)
		}
		for i := int64(0); i < numReceptacles; i++ {
			if err := client.CaptureAt(streamID, bufferID, i*packetFrames, packetFrames); err != nil {
				log.Fatalf("Failed to submit receptacle: %v", err)
			}
		}
	} else {
		region := make([]byte, packetBytes*numReceptacles)
		if err := client.AddPayloadBuffer(streamID, bufferID, region); err != nil {
			log.Fatalf("Failed to add payload buffer: %v", err)
		}
		if err := client.StartAsyncCapture(streamID, bufferID, packetFrames); err != nil {
			log.Fatalf("Failed to start capture: %v", err)
		}
	}
	log.Printf("Recording %s (%s)", path, format)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	var framesWritten int64
	finish := func() {
		client.CloseStream(streamID)
		if err := writer.Close(); err != nil {
			log.Fatalf("Failed to finalize %s: %v", path, err)
		}
		log.Printf("Wrote %d frames (%v)", framesWritten, format.DurationForFrames(framesWritten))
	}

	for {
		select {
		case p := <-client.Produced:
			if p.Cancelled {
				continue
			}
			if _, err := writer.Write(p.Data); err != nil {
				log.Fatalf("Failed to write %s: %v", path, err)
			}
			framesWritten += p.Frames
			if *syncMode {
				// Hand the drained slot straight back.
				off := p.Offset / int64(format.BytesPerFrame())
				if err := client.CaptureAt(streamID, bufferID, off, packetFrames); err != nil {
					log.Fatalf("Failed to resubmit receptacle: %v", err)
				}
			} else {
				client.ReleaseAsyncPacket(streamID, p.Offset)
			}

		case em := <-client.Errors:
			log.Fatalf("Daemon closed the stream: %s", em.Message)

		case <-deadline:
			finish()
			return

		case <-sigChan:
			log.Printf("Interrupted")
			finish()
			return
		}
	}
}
