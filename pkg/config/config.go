// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultStatusAddr        = "127.0.0.1:8310"
	defaultWatchdogInterval  = "1s"
	defaultWatchdogTTL       = "10s"
	defaultHTTPChunkSize     = "8KiB"
	defaultHTTPTimeout       = "30s"
	defaultResolveTimeout    = "5s"
	defaultShutdownTimeout   = "5s"
	defaultSocketProcessAddr = ""
)

// Config is the configuration of an ipcbridge process.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	// StatusAddr serves /metrics. Leave empty to disable it.
	StatusAddr string `toml:"status-addr" json:"status-addr"`
	// SocketProcessAddr is where the socket process listens. Leave empty to
	// run the socket process in-process.
	SocketProcessAddr string `toml:"socket-process-addr" json:"socket-process-addr"`

	Watchdog *WatchdogConfig `toml:"watchdog" json:"watchdog"`
	HTTP     *HTTPConfig     `toml:"http" json:"http"`
	DNS      *DNSConfig      `toml:"dns" json:"dns"`

	ShutdownTimeoutStr string        `toml:"shutdown-timeout" json:"shutdown-timeout"`
	ShutdownTimeout    time.Duration `toml:"-" json:"-"`
}

// WatchdogConfig controls keepalives between the two processes.
type WatchdogConfig struct {
	Enable bool `toml:"enable" json:"enable"`
	// time interval string between two keepalives
	IntervalStr string `toml:"interval" json:"interval"`
	// a peer silent for longer than this is treated as crashed
	TTLStr string `toml:"ttl" json:"ttl"`

	Interval time.Duration `toml:"-" json:"-"`
	TTL      time.Duration `toml:"-" json:"-"`
}

// HTTPConfig controls the HTTP engine of the socket process.
type HTTPConfig struct {
	ChunkSizeStr string `toml:"chunk-size" json:"chunk-size"`
	TimeoutStr   string `toml:"timeout" json:"timeout"`

	ChunkSize int           `toml:"-" json:"-"`
	Timeout   time.Duration `toml:"-" json:"-"`
}

// DNSConfig controls the resolver of the socket process.
type DNSConfig struct {
	TimeoutStr string        `toml:"timeout" json:"timeout"`
	Timeout    time.Duration `toml:"-" json:"-"`
}

// GetDefaultConfig returns a default config.
func GetDefaultConfig() *Config {
	return &Config{
		LogConf: logutil.Config{
			Level: "info",
			File:  "",
		},
		StatusAddr:        defaultStatusAddr,
		SocketProcessAddr: defaultSocketProcessAddr,
		Watchdog: &WatchdogConfig{
			Enable:      true,
			IntervalStr: defaultWatchdogInterval,
			TTLStr:      defaultWatchdogTTL,
		},
		HTTP: &HTTPConfig{
			ChunkSizeStr: defaultHTTPChunkSize,
			TimeoutStr:   defaultHTTPTimeout,
		},
		DNS: &DNSConfig{
			TimeoutStr: defaultResolveTimeout,
		},
		ShutdownTimeoutStr: defaultShutdownTimeout,
	}
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		log.L().Error("fail to marshal config to toml", logutil.ShortError(err))
		return "", cerrors.WrapError(cerrors.ErrConfigDecode, err)
	}
	return b.String(), nil
}

// Adjust fills in defaults and parses the human readable items.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	def := GetDefaultConfig()
	if c.Watchdog == nil {
		c.Watchdog = def.Watchdog
	}
	if c.HTTP == nil {
		c.HTTP = def.HTTP
	}
	if c.DNS == nil {
		c.DNS = def.DNS
	}

	if c.ShutdownTimeout, err = parseDuration("shutdown-timeout", c.ShutdownTimeoutStr); err != nil {
		return err
	}
	if c.Watchdog.Interval, err = parseDuration("watchdog.interval", c.Watchdog.IntervalStr); err != nil {
		return err
	}
	if c.Watchdog.TTL, err = parseDuration("watchdog.ttl", c.Watchdog.TTLStr); err != nil {
		return err
	}
	if c.Watchdog.Enable && c.Watchdog.TTL <= c.Watchdog.Interval {
		return cerrors.ErrConfigInvalid.GenWithStackByArgs(
			"watchdog.ttl must be longer than watchdog.interval")
	}
	if c.HTTP.Timeout, err = parseDuration("http.timeout", c.HTTP.TimeoutStr); err != nil {
		return err
	}
	chunkSize, err := units.RAMInBytes(c.HTTP.ChunkSizeStr)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrConfigInvalid, err, "http.chunk-size")
	}
	if chunkSize <= 0 || chunkSize > 16*units.MiB {
		return cerrors.ErrConfigInvalid.GenWithStackByArgs("http.chunk-size must be in (0, 16MiB]")
	}
	c.HTTP.ChunkSize = int(chunkSize)
	if c.DNS.Timeout, err = parseDuration("dns.timeout", c.DNS.TimeoutStr); err != nil {
		return err
	}
	return nil
}

func parseDuration(item, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, cerrors.WrapError(cerrors.ErrConfigInvalid, err, item)
	}
	if d <= 0 {
		return 0, cerrors.ErrConfigInvalid.GenWithStackByArgs(item + " must be positive")
	}
	return d, nil
}

// ConfigFromFile loads config from file and merges items into c.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrConfigDecode, err)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString loads config from a TOML string and merges items into c.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrConfigDecode, err)
	}
	return checkUndecodedItems(metaData)
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return cerrors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
