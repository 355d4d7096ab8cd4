// Command quickstart discovers sensors on the local network, prints
// their lifecycle and push-state messages, and counts telemetry.
//
// Usage:
//
//	go run ./cmd/quickstart -config config.json
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

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

	var points, imu atomic.Uint64

	runtime.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		log.Printf("Device ready: handle=%s sn=%s type=%s loader=%v",
			info.Handle, info.SN, info.DevType, info.LoaderMode)
	})
	runtime.SetPushInfoCallback(func(handle lidar.Handle, devType lidar.DeviceType, infoJSON string) {
		log.Printf("State info from %s: %s", handle, infoJSON)
	})
	for _, devType := range []lidar.DeviceType{lidar.DeviceTypeHAP, lidar.DeviceTypeMid360} {
		runtime.SetPointCloudCallback(devType, func(h lidar.Handle, dt lidar.DeviceType, payload []byte) {
			points.Add(1)
		})
		runtime.SetIMUCallback(devType, func(h lidar.Handle, dt lidar.DeviceType, payload []byte) {
			imu.Add(1)
		})
	}

	if err := runtime.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer runtime.Shutdown()
	log.Print("Discovering sensors; press Ctrl-C to stop")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			log.Printf("Telemetry: %d point-cloud datagrams, %d IMU datagrams", points.Load(), imu.Load())
		case <-sigCh:
			log.Print("Shutting down...")
			return
		}
	}
}
