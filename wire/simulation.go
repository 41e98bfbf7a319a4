package wire

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the simulated radio
type SimulationConfig struct {
	// Unit size limits in bytes of payload
	MinUnitSize int // Default: 20
	MaxUnitSize int // Default: 512

	// Connection timing (in milliseconds)
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0.016 (1.6% failure rate)

	// Discovery timing (in milliseconds)
	AdvertisingInterval int // Default: 100ms
	MinDiscoveryDelay   int // Default: 100ms
	MaxDiscoveryDelay   int // Default: 1000ms

	// Per-operation latency (in milliseconds), one connection interval
	OperationDelay int // Default: 8ms

	// Radio characteristics
	EnableRSSI   bool // Default: true
	BaseRSSI     int  // Default: -50 dBm (close range)
	RSSIVariance int  // Default: 10 dBm

	// PacketLossRate is the share of writes and notifications that fail
	PacketLossRate float64 // Default: 0.015 (1.5% packet loss)

	// NoAckCompletions reports completions for writes without response,
	// as Android does. When false only acknowledged writes complete.
	NoAckCompletions bool // Default: true

	// Deterministic mode for testing
	Deterministic bool  // Default: false
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic BLE simulation parameters
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinUnitSize: DefaultUnitSize,
		MaxUnitSize: MaxUnitSize,

		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0.016,

		AdvertisingInterval: 100,
		MinDiscoveryDelay:   100,
		MaxDiscoveryDelay:   1000,

		OperationDelay: 8,

		EnableRSSI:   true,
		BaseRSSI:     -50,
		RSSIVariance: 10,

		PacketLossRate:   0.015,
		NoAckCompletions: true,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectSimulationConfig returns a 100% reliable, zero latency config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 10
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.OperationDelay = 0
	cfg.EnableRSSI = false
	cfg.PacketLossRate = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator draws the random outcomes of the simulated radio. It is safe
// for concurrent use.
type Simulator struct {
	config *SimulationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a new BLE simulator
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

// Config returns the configuration in use
func (s *Simulator) Config() *SimulationConfig {
	return s.config
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) between(min, max int) time.Duration {
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	s.mu.Lock()
	n := min + s.rng.Intn(max-min)
	s.mu.Unlock()
	return time.Duration(n) * time.Millisecond
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	return s.float() >= s.config.ConnectionFailureRate
}

// ConnectionDelay returns realistic connection delay
func (s *Simulator) ConnectionDelay() time.Duration {
	return s.between(s.config.MinConnectionDelay, s.config.MaxConnectionDelay)
}

// DiscoveryDelay returns realistic discovery delay
func (s *Simulator) DiscoveryDelay() time.Duration {
	return s.between(s.config.MinDiscoveryDelay, s.config.MaxDiscoveryDelay)
}

// OperationDelay returns the latency of one request or notification
func (s *Simulator) OperationDelay() time.Duration {
	return time.Duration(s.config.OperationDelay) * time.Millisecond
}

// AdvertisingInterval returns the time between advertisements
func (s *Simulator) AdvertisingInterval() time.Duration {
	if s.config.AdvertisingInterval <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(s.config.AdvertisingInterval) * time.Millisecond
}

// ShouldPacketSucceed returns true if packet transmission should succeed
func (s *Simulator) ShouldPacketSucceed() bool {
	return s.float() >= s.config.PacketLossRate
}

// GenerateRSSI returns realistic RSSI value with variance
// distance: approximate distance in meters (1-10)
func (s *Simulator) GenerateRSSI(distance float64) int {
	if !s.config.EnableRSSI {
		return s.config.BaseRSSI
	}
	if distance < 1 {
		distance = 1
	}

	// Free space path loss: RSSI decreases by ~20dB per 10x distance
	rssi := float64(s.config.BaseRSSI) - 20*math.Log10(distance)

	if s.config.RSSIVariance > 0 {
		s.mu.Lock()
		variance := s.rng.Intn(s.config.RSSIVariance*2) - s.config.RSSIVariance
		s.mu.Unlock()
		rssi += float64(variance)
	}

	// Clamp to realistic BLE range (-100 to -20 dBm)
	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}

	return int(rssi)
}

// NegotiatedUnitSize returns the size agreed for a request
func (s *Simulator) NegotiatedUnitSize(requested int) int {
	size := requested
	if size < s.config.MinUnitSize {
		size = s.config.MinUnitSize
	} else if size > s.config.MaxUnitSize {
		size = s.config.MaxUnitSize
	}
	return size
}
