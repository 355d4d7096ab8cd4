// Package config loads the runtime's JSON configuration file: the
// master/slave role, log cache settings, and per-family network layout.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Family tags recognised in the configuration file.
const (
	FamilyHAP    = "HAP"
	FamilyMid360 = "MID360"
)

// LidarNetInfo is the device-side port layout of one family.
type LidarNetInfo struct {
	CmdDataPort   uint16 `json:"cmd_data_port"`
	PushMsgPort   uint16 `json:"push_msg_port"`
	PointDataPort uint16 `json:"point_data_port"`
	ImuDataPort   uint16 `json:"imu_data_port"`
	LogDataPort   uint16 `json:"log_data_port"`
}

// HostNetInfo is one host-side endpoint set. In the list form it may pin
// explicit device addresses.
type HostNetInfo struct {
	HostIP      string `json:"host_ip"`
	CmdDataIP   string `json:"cmd_data_ip"`
	MulticastIP string `json:"multicast_ip"`

	CmdDataPort   uint16 `json:"cmd_data_port"`
	PushMsgPort   uint16 `json:"push_msg_port"`
	PointDataPort uint16 `json:"point_data_port"`
	ImuDataPort   uint16 `json:"imu_data_port"`
	LogDataPort   uint16 `json:"log_data_port"`

	// LidarIPs lists explicit device addresses this host entry serves
	// (list form only).
	LidarIPs []string `json:"lidar_ip"`
}

// IP returns the host bind address, whichever key spelled it.
func (h HostNetInfo) IP() string {
	if h.HostIP != "" {
		return h.HostIP
	}
	return h.CmdDataIP
}

// FamilyConfig is the resolved configuration of one device family.
type FamilyConfig struct {
	Tag      string
	LidarNet LidarNetInfo
	Hosts    []HostNetInfo
}

// Config is the loaded runtime configuration.
type Config struct {
	MasterSDK bool

	LidarLogEnable      bool
	LidarLogCacheSizeMB uint64
	LidarLogPath        string

	Families []FamilyConfig
}

// HostIP returns the first configured host address; the detection plane
// binds here.
func (c *Config) HostIP() string {
	for _, fam := range c.Families {
		for _, host := range fam.Hosts {
			if ip := host.IP(); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// Family returns the configuration for the given tag.
func (c *Config) Family(tag string) (FamilyConfig, bool) {
	for _, fam := range c.Families {
		if fam.Tag == tag {
			return fam, true
		}
	}
	return FamilyConfig{}, false
}

type familySchema struct {
	LidarNetInfo *LidarNetInfo   `json:"lidar_net_info"`
	HostNetInfo  json.RawMessage `json:"host_net_info"`
}

type fileSchema struct {
	MasterSDK *bool `json:"master_sdk"`

	LidarLogEnable      *bool   `json:"lidar_log_enable"`
	LidarLogCacheSizeMB *uint64 `json:"lidar_log_cache_size_MB"`
	LidarLogPath        *string `json:"lidar_log_path"`

	HAP    *familySchema `json:"HAP"`
	MID360 *familySchema `json:"MID360"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes.
func Parse(data []byte) (*Config, error) {
	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg := &Config{
		MasterSDK:    true,
		LidarLogPath: "./",
	}
	if schema.MasterSDK != nil {
		cfg.MasterSDK = *schema.MasterSDK
	}

	if schema.LidarLogEnable != nil && *schema.LidarLogEnable {
		if schema.LidarLogCacheSizeMB == nil {
			return nil, fmt.Errorf("lidar_log_enable is set but lidar_log_cache_size_MB is missing")
		}
		if schema.LidarLogPath == nil {
			return nil, fmt.Errorf("lidar_log_enable is set but lidar_log_path is missing")
		}
		cfg.LidarLogEnable = true
		cfg.LidarLogCacheSizeMB = *schema.LidarLogCacheSizeMB
	}
	if schema.LidarLogPath != nil {
		cfg.LidarLogPath = *schema.LidarLogPath
	}

	for _, fam := range []struct {
		tag    string
		schema *familySchema
	}{{FamilyHAP, schema.HAP}, {FamilyMid360, schema.MID360}} {
		if fam.schema == nil {
			continue
		}
		resolved, err := resolveFamily(fam.tag, fam.schema)
		if err != nil {
			return nil, err
		}
		cfg.Families = append(cfg.Families, resolved)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveFamily(tag string, schema *familySchema) (FamilyConfig, error) {
	if schema.LidarNetInfo == nil {
		return FamilyConfig{}, fmt.Errorf("%s: lidar_net_info is missing", tag)
	}
	fam := FamilyConfig{Tag: tag, LidarNet: *schema.LidarNetInfo}

	raw := bytes.TrimSpace(schema.HostNetInfo)
	if len(raw) == 0 {
		return FamilyConfig{}, fmt.Errorf("%s: host_net_info is missing", tag)
	}

	// host_net_info is either a single object or a per-host list.
	switch raw[0] {
	case '{':
		var host HostNetInfo
		if err := json.Unmarshal(schema.HostNetInfo, &host); err != nil {
			return FamilyConfig{}, fmt.Errorf("%s: host_net_info: %w", tag, err)
		}
		fam.Hosts = []HostNetInfo{host}
	case '[':
		if err := json.Unmarshal(schema.HostNetInfo, &fam.Hosts); err != nil {
			return FamilyConfig{}, fmt.Errorf("%s: host_net_info: %w", tag, err)
		}
	default:
		return FamilyConfig{}, fmt.Errorf("%s: host_net_info must be an object or a list", tag)
	}
	return fam, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Families) == 0 {
		return fmt.Errorf("no device family configured")
	}
	for _, fam := range c.Families {
		for i, host := range fam.Hosts {
			if host.IP() == "" {
				return fmt.Errorf("%s: host_net_info[%d] has neither host_ip nor cmd_data_ip", fam.Tag, i)
			}
		}
	}
	if c.LidarLogEnable && c.LidarLogPath == "" {
		return fmt.Errorf("lidar_log_path is empty")
	}
	return nil
}
