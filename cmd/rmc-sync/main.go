// Command rmc-sync reads NMEA RMC sentences from a GNSS receiver on a
// serial port and feeds the recovered UTC time to every discovered
// sensor, keeping device clocks aligned to GNSS time.
//
// Usage:
//
//	go run ./cmd/rmc-sync -config config.json -port /dev/ttyUSB0 -baud 9600
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/sdk"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	portName := flag.String("port", "/dev/ttyUSB0", "Serial port of the GNSS receiver")
	baud := flag.Int("baud", 9600, "Serial baud rate")
	flag.Parse()

	runtime, err := sdk.NewFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", *configPath, err)
	}

	var mu sync.Mutex
	var devices []lidar.Handle
	runtime.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		log.Printf("Device ready: handle=%s sn=%s", info.Handle, info.SN)
		mu.Lock()
		devices = append(devices, info.Handle)
		mu.Unlock()
	})

	if err := runtime.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer runtime.Shutdown()

	port, err := serial.Open(*portName, &serial.Mode{BaudRate: *baud})
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *portName, err)
	}
	defer port.Close()
	log.Printf("Reading RMC sentences from %s at %d baud", *portName, *baud)

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		utc, err := parseRMC(line)
		if err != nil {
			continue
		}

		mu.Lock()
		targets := append([]lidar.Handle(nil), devices...)
		mu.Unlock()
		for _, handle := range targets {
			err := runtime.RmcSyncTime(handle, uint64(utc.UnixNano()),
				func(status lidar.Status, h lidar.Handle, payload []byte) {
					if status != lidar.StatusSuccess {
						log.Printf("Time sync on %s failed: %s", h, status)
					}
				})
			if err != nil {
				log.Printf("Time sync on %s: %v", handle, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Serial read error: %v", err)
	}
}

// parseRMC extracts the UTC timestamp from an RMC sentence, e.g.
// $GNRMC,143015.00,A,...,120625,... -> 2025-06-12 14:30:15 UTC.
// Only valid ("A") fixes are accepted.
func parseRMC(line string) (time.Time, error) {
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Split(line, ",")
	if len(fields) < 10 || !strings.HasSuffix(fields[0], "RMC") {
		return time.Time{}, fmt.Errorf("not an RMC sentence")
	}
	if fields[2] != "A" {
		return time.Time{}, fmt.Errorf("no valid fix")
	}

	clock := fields[1]
	date := fields[9]
	if len(clock) < 6 || len(date) != 6 {
		return time.Time{}, fmt.Errorf("short time or date field")
	}

	hour, err1 := strconv.Atoi(clock[0:2])
	minute, err2 := strconv.Atoi(clock[2:4])
	second, err3 := strconv.Atoi(clock[4:6])
	day, err4 := strconv.Atoi(date[0:2])
	month, err5 := strconv.Atoi(date[2:4])
	year, err6 := strconv.Atoi(date[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, err
		}
	}

	nanos := 0
	if len(clock) > 7 {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			nanos = int(frac * float64(time.Second))
		}
	}

	return time.Date(2000+year, time.Month(month), day, hour, minute, second, nanos, time.UTC), nil
}
