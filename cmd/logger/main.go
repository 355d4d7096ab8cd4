// Command logger enables log collection on every discovered sensor and
// ingests the pushed log files under the configured cache directory.
//
// Usage:
//
//	go run ./cmd/logger -config config.json
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/sdk"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	flag.Parse()

	runtime, err := sdk.NewFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", *configPath, err)
	}

	runtime.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		log.Printf("Device ready: handle=%s sn=%s", info.Handle, info.SN)
		if info.LoaderMode {
			log.Printf("Device %s is in loader mode, not collecting logs", info.Handle)
			return
		}
		err := runtime.EnableLogCollection(info.Handle, lidar.LogTypeRealtime,
			func(status lidar.Status, h lidar.Handle, payload []byte) {
				if status != lidar.StatusSuccess || len(payload) == 0 || payload[0] != 0 {
					log.Printf("Enabling log collection on %s failed: %s", h, status)
					return
				}
				log.Printf("Log collection running on %s", h)
			})
		if err != nil {
			log.Printf("Enabling log collection on %s: %v", info.Handle, err)
		}
	})

	if err := runtime.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer runtime.Shutdown()
	log.Print("Collecting device logs; press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Print("Shutting down...")
}
