// Package config loads the IO-MUX and GANG option tables (spec.md 6) from
// flags and an optional JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pdesr/slurm/internal/constants"
)

// IOMux holds the IO-MUX configuration options spec.md 6 enumerates:
// buffered_stdio, STDIO_MAX_MSG_CACHE, MAX_PAYLOAD, N_IN, N_OUT.
type IOMux struct {
	BufferedStdio  bool   `json:"buffered_stdio"`
	StdioMaxMsgCache int  `json:"stdio_max_msg_cache"`
	MaxPayload     int    `json:"max_payload"`
	NIn            int    `json:"n_in"`
	NOut           int    `json:"n_out"`
	NodeID         uint32 `json:"node_id"`
	ListenAddr     string `json:"listen_addr"`
	MetricsAddr    string `json:"metrics_addr"`
}

// DefaultIOMux returns the IO-MUX option table's defaults.
func DefaultIOMux() IOMux {
	return IOMux{
		BufferedStdio:    constants.DefaultBufferedStdio,
		StdioMaxMsgCache: constants.DefaultStdioMaxMsgCache,
		MaxPayload:       constants.MaxPayload,
		NIn:              constants.DefaultNIn,
		NOut:             constants.DefaultNOut,
		ListenAddr:       ":7321",
		MetricsAddr:      ":9321",
	}
}

// Gang holds the GANG configuration options spec.md 6 enumerates:
// select_type_param, sched_time_slice, fast_schedule.
type Gang struct {
	SelectTypeParam string `json:"select_type_param"`
	SchedTimeSlice  int    `json:"sched_time_slice"` // seconds
	FastSchedule    bool   `json:"fast_schedule"`
	NodeCount       int    `json:"node_count"`
	MetricsAddr     string `json:"metrics_addr"`
}

// DefaultGang returns the GANG option table's defaults.
func DefaultGang() Gang {
	return Gang{
		SelectTypeParam: "",
		SchedTimeSlice:  int(constants.DefaultTimesliceSecs.Seconds()),
		MetricsAddr:     ":9322",
	}
}

// LoadIOMuxFile merges a JSON config file's fields over cfg, leaving fields
// the file omits untouched. Analogous to a -config flag on a typical daemon,
// added since spec.md 6's option table has no file format of its own.
func LoadIOMuxFile(cfg IOMux, path string) (IOMux, error) {
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadGangFile merges a JSON config file's fields over cfg.
func LoadGangFile(cfg Gang, path string) (Gang, error) {
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
