// ABOUTME: Entry point for the auricle-play render client.
// ABOUTME: Streams a WAV, MP3, or Ogg Opus file to the daemon.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/audio/decode"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
	"github.com/google/uuid"
)

const (
	streamID   = 1
	numBuffers = 4
)

var (
	server  = flag.String("server", "", "Daemon address (default: localhost on the default port)")
	usage   = flag.String("usage", "media", "Stream usage (media, communication, interruption, background)")
	gainDb  = flag.Float64("gain-db", 0, "Initial stream gain in decibels")
	chunkMs = flag.Int("chunk-ms", 100, "Packet length in milliseconds")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: auricle-play [flags] <file.wav|file.mp3|file.opus>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	streamUsage, err := audio.ParseUsage(*usage)
	if err != nil {
		log.Fatalf("Bad usage: %v", err)
	}

	src, err := decode.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer src.Close()
	format := src.Format()
	log.Printf("Playing %s (%s)", path, format)

	addr := *server
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	}
	client := protocol.NewClient(protocol.Config{
		ServerAddr: addr,
		ClientID:   uuid.New().String(),
		Name:       "auricle-play",
	})
	if err := client.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer client.Close()

	if err := client.CreateRenderer(streamID, streamUsage); err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}
	if err := client.SetFormat(streamID, format); err != nil {
		log.Fatalf("Failed to set format: %v", err)
	}
	if *gainDb != 0 {
		client.SetGain(streamID, *gainDb)
	}
	client.SubscribeStatus(2 * time.Second)

	chunkFrames := format.FramesForDuration(time.Duration(*chunkMs) * time.Millisecond)
	if chunkFrames < 1 {
		log.Fatalf("Chunk of %dms is shorter than one frame", *chunkMs)
	}
	chunk := make([]byte, chunkFrames*int64(format.BytesPerFrame()))

	// Packets cycle through a fixed set of payload buffers, one packet per
	// buffer. A completion frees its buffer for the next chunk.
	nextSeq := uint64(1)
	eof := false
	sendNext := func() error {
		n, err := readChunk(src, chunk)
		if err != nil && err != io.EOF {
			return fmt.Errorf("decode failed: %w", err)
		}
		if err == io.EOF {
			eof = true
		}
		if n == 0 {
			return nil
		}
		bufID := uint32((nextSeq-1)%numBuffers) + 1
		if nextSeq > numBuffers {
			if err := client.RemovePayloadBuffer(streamID, bufID); err != nil {
				return err
			}
		}
		if err := client.AddPayloadBuffer(streamID, bufID, chunk[:n]); err != nil {
			return err
		}
		err = client.SendPacket(protocol.PacketSend{
			StreamID:   streamID,
			Sequence:   nextSeq,
			BufferID:   bufID,
			Offset:     0,
			Size:       int64(n),
			Continuous: true,
		})
		if err != nil {
			return err
		}
		nextSeq++
		return nil
	}

	for i := 0; i < numBuffers && !eof; i++ {
		if err := sendNext(); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := client.Play(streamID, 0, 0); err != nil {
		log.Fatalf("Failed to play: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var lastUnderflows int64
	for {
		select {
		case p := <-client.Playing:
			log.Printf("Playback started at reference time %d", p.ReferenceTime)

		case lt := <-client.LeadTimes:
			log.Printf("Minimum lead time now %v", time.Duration(lt.LeadTimeNs))

		case comp := <-client.Completions:
			if comp.StreamID != streamID || eof {
				continue
			}
			if err := sendNext(); err != nil {
				log.Fatalf("%v", err)
			}

		case <-client.StreamEnds:
			log.Printf("Playback finished")
			client.CloseStream(streamID)
			return

		case su := <-client.Status:
			if d := su.Counters.Underflows - lastUnderflows; d > 0 && lastUnderflows > 0 {
				log.Printf("Warning: daemon reports %d underflows", d)
			}
			lastUnderflows = su.Counters.Underflows

		case em := <-client.Errors:
			log.Fatalf("Daemon closed the stream: %s", em.Message)

		case <-sigChan:
			log.Printf("Interrupted")
			client.CloseStream(streamID)
			return
		}
	}
}

// readChunk fills buf from the source, returning io.EOF only once the file
// is fully drained.
func readChunk(src decode.Source, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := src.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
