// Command upgrader pushes a firmware image to every sensor that appears
// on the network and reports per-device progress.
//
// Usage:
//
//	go run ./cmd/upgrader -config config.json -firmware image.bin
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/sdk"
	"github.com/banshee-data/lidarhost/internal/lidar/upgrade"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	firmwarePath := flag.String("firmware", "", "Path to the firmware image (required)")
	flag.Parse()

	if *firmwarePath == "" {
		log.Fatal("Error: -firmware flag is required")
	}

	runtime, err := sdk.NewFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", *configPath, err)
	}

	runtime.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		log.Printf("Device ready: handle=%s sn=%s loader=%v", info.Handle, info.SN, info.LoaderMode)

		fw, err := upgrade.LoadFirmware(*firmwarePath, info.DevType)
		if err != nil {
			log.Fatalf("Failed to load firmware: %v", err)
		}

		u, err := runtime.UpgradeDevice(info.Handle, fw,
			func(h lidar.Handle, state upgrade.State, progress uint8) {
				log.Printf("Upgrade %s: %s %d%%", h, state, progress)
			})
		if err != nil {
			log.Printf("Starting upgrade on %s: %v", info.Handle, err)
			return
		}
		go func() {
			<-u.Done()
			if u.Failed() {
				log.Printf("Upgrade of %s FAILED, try again", info.Handle)
			} else {
				log.Printf("Upgrade of %s complete, device rebooting", info.Handle)
			}
		}()
	})

	if err := runtime.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer runtime.Shutdown()
	log.Print("Waiting for sensors; press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Print("Shutting down...")
}
