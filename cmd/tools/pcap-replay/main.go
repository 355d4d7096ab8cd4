// Command pcap-replay re-sends sensor UDP traffic captured in a pcap
// file toward a live host SDK, preserving original packet timing. Useful
// for exercising the ingest path without hardware on the bench.
//
// Build with -tags=pcap to enable; the default build prints a hint.
//
// Usage:
//
//	go run -tags=pcap ./cmd/tools/pcap-replay -pcap capture.pcap -target 192.168.1.50 -speed 1.0
package main

import (
	"flag"
	"log"
)

func main() {
	pcapFile := flag.String("pcap", "", "Path to the pcap capture (required)")
	target := flag.String("target", "127.0.0.1", "Host address to replay toward")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (1.0 = real-time)")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}

	if err := replayFile(*pcapFile, *target, *speed); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
}
