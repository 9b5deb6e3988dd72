// Package tsa assembles the transport, session, and authentication
// handlers into the engine spec section 5 describes: a single-threaded
// cooperative scheduler running a fixed handler order over a shared
// stack context. Everything else (timers, queues, TCS, TP, SN, AUTH) is
// leaf packages this one wires together.
package tsa

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Range bounds for the tunables below, named the way
// github.com/rob-gra/go-iecp5's cs104.Config documents its own ranges.
const (
	RetriesMin = 0
	RetriesMax = 15

	TransmitTimerMin int64 = 16
	TransmitTimerMax int64 = 60000

	RepeatTimerMin int64 = 16
	RepeatTimerMax int64 = 60000

	ResetDelayMin int64 = 0
	ResetDelayMax int64 = 30000

	AltPathCountMax    = 15
	MaxGroupNumberMax  = 255
	RRPoolSizeMin      = 1
	RRPoolSizeMax      = 4096
	TCSTableSizeMin    = 1
	TCSTableSizeMax    = 4096
	NetQueueCapacityMin = 1
)

// Config holds the tunables spec section 2's note and section 5 name:
// timer defaults, retry counts, RR pool size, ALT_PATH_COUNT,
// MAX_GROUP_NUMBER, and the TS reset delay. The zero value of every
// field means "apply the default", mirroring cs104.Config/Valid().
type Config struct {
	// Retries is the retransmission budget for both TP and SN.
	Retries int `yaml:"retries"`

	// TransmitTimerValue and RepeatTimerValue are the xmit timer
	// defaults (ms) for Acknowledged/Request and Repeated service.
	TransmitTimerValue int64 `yaml:"transmit_timer_ms"`
	RepeatTimerValue   int64 `yaml:"repeat_timer_ms"`

	// AltPathCount is compared with the retry budget when a send starts
	// (spec 4.3b step 7): when Retries is at or below it, the message and
	// all its retries go out on the alternate channel. It is not
	// re-checked as retries are used up.
	AltPathCount int `yaml:"alt_path_count"`

	// MaxGroupNumber is MAX_GROUP_NUMBER: the highest legal multicast
	// member index; group sizes above this +1 require Repeated service.
	MaxGroupNumber int `yaml:"max_group_number"`

	// BroadcastDeltaBacklog is the delta_backlog value stamped on
	// broadcast sends (spec 4.3b step 7).
	BroadcastDeltaBacklog byte `yaml:"broadcast_delta_backlog"`

	// RRPoolSize is the fixed receive-record pool size (spec section 3).
	RRPoolSize int `yaml:"rr_pool_size"`

	// TCSTableSize is the per-lane past-destination table size (spec
	// section 4.2).
	TCSTableSize int `yaml:"tcs_table_size"`

	// ReceiveTimerValue is the RR's receive-timer duration (ms): how
	// long a slot is retained after JustReceived to absorb retries of
	// the same request (spec section 3's RR lifecycle).
	ReceiveTimerValue int64 `yaml:"receive_timer_ms"`

	// ResetDelay is the TS reset delay (ms) spec section 5 names:
	// TP/SN send handlers are held off this long after Reset() while
	// receive handlers stay live.
	ResetDelay int64 `yaml:"reset_delay_ms"`

	// NetQueueCapacity, AppInCapacity, AppOutCapacity,
	// CompletionCapacity, ResponseCapacity size the bounded queues named
	// in spec section 6's "application boundary".
	NetQueueCapacity   int `yaml:"net_queue_capacity"`
	AppInCapacity      int `yaml:"app_in_capacity"`
	AppOutCapacity     int `yaml:"app_out_capacity"`
	CompletionCapacity int `yaml:"completion_capacity"`
	ResponseCapacity   int `yaml:"response_capacity"`

	// LocalSubnet and LocalNode address every NPDU this stack instance
	// originates.
	LocalSubnet byte `yaml:"local_subnet"`
	LocalNode   byte `yaml:"local_node"`

	// TransceiverParams is appended to a delivered response whose opcode
	// is the bidirectional-signal-strength amendment (spec section 4.4).
	TransceiverParams []byte `yaml:"-"`

	// VersionEnhanced selects enhanced 12-bit transaction numbers (true)
	// or legacy 4-bit ones (false) for everything this stack instance
	// originates.
	VersionEnhanced bool `yaml:"version_enhanced"`
}

// Valid applies the default for each unspecified field and range-checks
// the rest, following cs104.Config's Valid() convention exactly.
func (c *Config) Valid() error {
	if c == nil {
		return errors.New("tsa: nil config")
	}

	if c.Retries == 0 {
		c.Retries = 3
	} else if c.Retries < RetriesMin || c.Retries > RetriesMax {
		return fmt.Errorf("tsa: Retries not in [%d, %d]", RetriesMin, RetriesMax)
	}

	if c.TransmitTimerValue == 0 {
		c.TransmitTimerValue = 96
	} else if c.TransmitTimerValue < TransmitTimerMin || c.TransmitTimerValue > TransmitTimerMax {
		return fmt.Errorf("tsa: TransmitTimerValue not in [%d, %d]ms", TransmitTimerMin, TransmitTimerMax)
	}

	if c.RepeatTimerValue == 0 {
		c.RepeatTimerValue = 96
	} else if c.RepeatTimerValue < RepeatTimerMin || c.RepeatTimerValue > RepeatTimerMax {
		return fmt.Errorf("tsa: RepeatTimerValue not in [%d, %d]ms", RepeatTimerMin, RepeatTimerMax)
	}

	if c.AltPathCount < 0 || c.AltPathCount > AltPathCountMax {
		return fmt.Errorf("tsa: AltPathCount not in [0, %d]", AltPathCountMax)
	}

	if c.MaxGroupNumber == 0 {
		c.MaxGroupNumber = 63
	} else if c.MaxGroupNumber < 0 || c.MaxGroupNumber > MaxGroupNumberMax {
		return fmt.Errorf("tsa: MaxGroupNumber not in [0, %d]", MaxGroupNumberMax)
	}

	if c.BroadcastDeltaBacklog == 0 {
		c.BroadcastDeltaBacklog = 15
	}

	if c.RRPoolSize == 0 {
		c.RRPoolSize = 16
	} else if c.RRPoolSize < RRPoolSizeMin || c.RRPoolSize > RRPoolSizeMax {
		return fmt.Errorf("tsa: RRPoolSize not in [%d, %d]", RRPoolSizeMin, RRPoolSizeMax)
	}

	if c.TCSTableSize == 0 {
		c.TCSTableSize = 16
	} else if c.TCSTableSize < TCSTableSizeMin || c.TCSTableSize > TCSTableSizeMax {
		return fmt.Errorf("tsa: TCSTableSize not in [%d, %d]", TCSTableSizeMin, TCSTableSizeMax)
	}

	if c.ReceiveTimerValue == 0 {
		c.ReceiveTimerValue = 3000
	}

	if c.ResetDelay < ResetDelayMin || c.ResetDelay > ResetDelayMax {
		return fmt.Errorf("tsa: ResetDelay not in [%d, %d]ms", ResetDelayMin, ResetDelayMax)
	}
	if c.ResetDelay == 0 {
		c.ResetDelay = 2000
	}

	if c.NetQueueCapacity == 0 {
		c.NetQueueCapacity = 8
	} else if c.NetQueueCapacity < NetQueueCapacityMin {
		return fmt.Errorf("tsa: NetQueueCapacity must be >= %d", NetQueueCapacityMin)
	}
	if c.AppInCapacity == 0 {
		c.AppInCapacity = 32
	}
	if c.AppOutCapacity == 0 {
		c.AppOutCapacity = 8
	}
	if c.CompletionCapacity == 0 {
		c.CompletionCapacity = 8
	}
	if c.ResponseCapacity == 0 {
		c.ResponseCapacity = 8
	}

	return nil
}

// DefaultConfig returns a Config with every field already applied to
// its default, mirroring cs104.DefaultConfig().
func DefaultConfig() Config {
	c := Config{}
	_ = c.Valid()
	return c
}

// LoadConfigYAML reads a Config from YAML, for file-based deployments;
// grounded on the corpus's tinyrange-cc entry, the one example repo
// that loads its own configuration from YAML.
func LoadConfigYAML(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("tsa: decode config yaml: %w", err)
	}
	if err := c.Valid(); err != nil {
		return Config{}, err
	}
	return c, nil
}
