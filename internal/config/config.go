// Package config holds the per-role flag-driven configuration structs
// (the jocko/jocko/config idiom: plain exported struct fields bound
// directly to cobra flags) plus the one piece of the topology that is
// file-based rather than flag-based: dissemination strategy, loaded
// from a small YAML file the way cuemby-warren loads its manager config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a SubscriberNode resolves publishers for a topic:
// direct dials publishers themselves, broker routes through the broker tier.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyBroker Strategy = "broker"
)

type Dissemination struct {
	Strategy Strategy `yaml:"strategy"`
}

// File is the on-disk topology config, analogous to cuemby-warren's
// yaml.v3-backed manager config file.
type File struct {
	Dissemination Dissemination `yaml:"dissemination"`
}

func DefaultFile() *File {
	return &File{Dissemination: Dissemination{Strategy: StrategyDirect}}
}

func LoadFile(path string) (*File, error) {
	if path == "" {
		return DefaultFile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dissemination config %s: %w", path, err)
	}
	f := DefaultFile()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse dissemination config %s: %w", path, err)
	}
	switch f.Dissemination.Strategy {
	case StrategyDirect, StrategyBroker:
	default:
		return nil, fmt.Errorf("dissemination config %s: unknown strategy %q", path, f.Dissemination.Strategy)
	}
	return f, nil
}

// Base is embedded by every role's config; it is exactly the set of flags
// every node needs to advertise itself and find the coordination service.
type Base struct {
	Name       string
	Addr       string
	Port       int
	CoordAddr  string
	LogLevel   string
	LogJSON    bool
	ConfigPath string
}

func (b Base) AdvertiseAddr() string {
	return fmt.Sprintf("%s:%d", b.Addr, b.Port)
}

// DiscoveryConfig configures a DiscoveryNode.
type DiscoveryConfig struct {
	Base
	BrokerMode bool // serves LookupPubByTopic with brokers instead of publishers
}

// BrokerConfig configures a BrokerNode.
type BrokerConfig struct {
	Base
}

// PublisherConfig configures a PublisherNode.
type PublisherConfig struct {
	Base
	Topics  []string
	History int
	Iters   int
}

// SubscriberConfig configures a SubscriberNode.
type SubscriberConfig struct {
	Base
	Topics  []string
	History int
}

func DefaultBase() Base {
	return Base{
		Addr:      "127.0.0.1",
		CoordAddr: "127.0.0.1:2289",
		LogLevel:  "info",
	}
}
