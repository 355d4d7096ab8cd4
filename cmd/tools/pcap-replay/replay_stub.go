//go:build !pcap
// +build !pcap

package main

import "fmt"

// replayFile is a stub when pcap support is disabled.
// Build with -tags=pcap to enable capture replay.
func replayFile(pcapFile, target string, speed float64) error {
	return fmt.Errorf("pcap support not enabled: rebuild with -tags=pcap to replay captures")
}
