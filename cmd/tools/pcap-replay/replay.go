//go:build pcap
// +build pcap

package main

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// replayFile walks the capture and re-sends every UDP payload to the
// target host on the packet's original destination port, sleeping to
// honour the captured inter-packet gaps scaled by speed.
func replayFile(pcapFile, target string, speed float64) error {
	if speed <= 0 {
		speed = 1.0
	}

	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter("udp"); err != nil {
		return fmt.Errorf("failed to set BPF filter: %w", err)
	}

	targetIP := net.ParseIP(target)
	if targetIP == nil {
		return fmt.Errorf("bad target address %q", target)
	}

	conns := make(map[uint16]*net.UDPConn)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	var lastTS time.Time
	packets, bytes := 0, 0

	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		payload := udp.Payload
		if len(payload) == 0 {
			continue
		}

		ts := packet.Metadata().Timestamp
		if !lastTS.IsZero() && ts.After(lastTS) {
			gap := time.Duration(float64(ts.Sub(lastTS)) / speed)
			if gap > 0 && gap < time.Second {
				time.Sleep(gap)
			}
		}
		lastTS = ts

		port := uint16(udp.DstPort)
		conn, ok := conns[port]
		if !ok {
			conn, err = net.DialUDP("udp4", nil, &net.UDPAddr{IP: targetIP, Port: int(port)})
			if err != nil {
				return fmt.Errorf("failed to dial %s:%d: %w", target, port, err)
			}
			conns[port] = conn
		}
		if _, err := conn.Write(payload); err != nil {
			log.Printf("Send to port %d failed: %v", port, err)
			continue
		}
		packets++
		bytes += len(payload)
	}

	log.Printf("Replayed %d packets, %d bytes", packets, bytes)
	return nil
}
