// Command cmd-observer dumps every command-plane datagram received from
// the sensors, before normal dispatch. Useful for protocol conformance
// checks against captured traffic.
//
// Usage:
//
//	go run ./cmd/cmd-observer -config config.json
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/lidar/sdk"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	flag.Parse()

	runtime, err := sdk.NewFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", *configPath, err)
	}

	runtime.SetCommandObserver(func(handle lidar.Handle, data []byte) {
		pkt, err := protocol.Parse(data)
		if err != nil {
			log.Printf("From %s: %d bytes, unparseable: %v", handle, len(data), err)
			return
		}
		log.Printf("From %s: cmd=%#04x type=%d seq=%d payload=%d bytes",
			handle, uint16(pkt.CmdID), pkt.CmdType, pkt.Seq, len(pkt.Payload))
	})
	runtime.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		log.Printf("Device ready: handle=%s sn=%s", info.Handle, info.SN)
	})

	if err := runtime.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer runtime.Shutdown()
	log.Print("Observing command traffic; press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
