/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package config loads the router's "recognized options" (spec section
6) from a YAML file, following the facebook/time convention of a plain
struct unmarshalled with gopkg.in/yaml.v2 (ptp4u/server.ReadDynamicConfig).
*/
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// SecurityMode selects whether the router demands a valid token on
// Hello (spec section 4.4/6).
type SecurityMode string

// Recognized SecurityMode values.
const (
	SecurityOpen          SecurityMode = "open"
	SecurityAuthenticated SecurityMode = "authenticated"
)

// Config is the set of tunables spec section 6 documents under
// "Configuration (recognized options)". Field names track the
// option names; durations are expressed in seconds/milliseconds in
// YAML to match the spec's unit suffixes.
type Config struct {
	MaxSessions                int           `yaml:"max_sessions"`
	MaxSubscriptionsPerSession int           `yaml:"max_subscriptions_per_session"`
	SessionTimeoutS            int           `yaml:"session_timeout_s"`
	MaxMessagesPerSecond       int           `yaml:"max_messages_per_second"`
	ParamTTLS                  int           `yaml:"param_ttl_s"`
	SignalTTLS                 int           `yaml:"signal_ttl_s"`
	TTLSweepIntervalS          int           `yaml:"ttl_sweep_interval_s"`
	GestureCoalesceIntervalMs  int           `yaml:"gesture_coalesce_interval_ms"`
	GestureMaxAgeS             int           `yaml:"gesture_max_age_s"`
	EgressQueueCapacity        int           `yaml:"egress_queue_capacity"`
	DropNotifyThreshold        int           `yaml:"drop_notify_threshold"`
	DropNotifyWindowS          int           `yaml:"drop_notify_window_s"`
	SecurityMode               SecurityMode `yaml:"security_mode"`
	FeatureFlags               []string      `yaml:"feature_flags"`

	ListenAddr   string `yaml:"listen_addr"`
	WSListenAddr string `yaml:"ws_listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	LogLevel     string `yaml:"log_level"`
	TokensFile   string `yaml:"tokens_file"`
}

// Default returns a Config populated with spec section 6 and 5's
// documented defaults.
func Default() Config {
	return Config{
		MaxSessions:                1000,
		MaxSubscriptionsPerSession: 100,
		SessionTimeoutS:            300,
		MaxMessagesPerSecond:       10000,
		ParamTTLS:                  3600,
		SignalTTLS:                 3600,
		TTLSweepIntervalS:          60,
		GestureCoalesceIntervalMs:  16,
		GestureMaxAgeS:             30,
		EgressQueueCapacity:        1000,
		DropNotifyThreshold:        100,
		DropNotifyWindowS:          10,
		SecurityMode:               SecurityOpen,
		ListenAddr:                 ":7770",
		MetricsAddr:                ":9770",
		LogLevel:                   "info",
	}
}

// Load reads a YAML config file, applying its values on top of
// Default so a partial file only overrides what it names.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// ParamTTL returns ParamTTLS as a time.Duration (0 disables the TTL
// sweeper per spec section 6).
func (c Config) ParamTTL() time.Duration {
	return time.Duration(c.ParamTTLS) * time.Second
}

// SessionTimeout returns SessionTimeoutS as a time.Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutS) * time.Second
}

// TTLSweepInterval returns TTLSweepIntervalS as a time.Duration.
func (c Config) TTLSweepInterval() time.Duration {
	return time.Duration(c.TTLSweepIntervalS) * time.Second
}

// GestureCoalesceInterval returns GestureCoalesceIntervalMs as a
// time.Duration.
func (c Config) GestureCoalesceInterval() time.Duration {
	return time.Duration(c.GestureCoalesceIntervalMs) * time.Millisecond
}

// GestureMaxAge returns GestureMaxAgeS as a time.Duration.
func (c Config) GestureMaxAge() time.Duration {
	return time.Duration(c.GestureMaxAgeS) * time.Second
}

// DropNotifyWindow returns DropNotifyWindowS as a time.Duration.
func (c Config) DropNotifyWindow() time.Duration {
	return time.Duration(c.DropNotifyWindowS) * time.Second
}

// Authenticated reports whether SecurityMode demands token validation.
func (c Config) Authenticated() bool {
	return c.SecurityMode == SecurityAuthenticated
}
