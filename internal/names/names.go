// Package names loads and saves the TTL/DDS channel-name tables
// described in spec.md §6: a YAML sequence of 32 (TTL) or 22 (DDS)
// strings, indexed by channel number.
package names

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nacs-lab/molecube-go/internal/pulser"
)

// NTTL is the channel count a ttl.yaml file must carry.
const NTTL = 32

// Table is a fixed-size, channel-indexed set of names. An empty
// string means the channel has no name assigned.
type Table []string

// Load reads a YAML sequence of strings from path and pads it to n
// entries — a short file leaves trailing channels unnamed rather than
// failing, since an incomplete name table is common during bring-up.
// A file with more than n entries is an error.
func Load(path string, n int) (Table, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(Table, n), nil
	}
	if err != nil {
		return nil, fmt.Errorf("names: read %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("names: parse %s: %w", path, err)
	}
	if len(t) > n {
		return nil, fmt.Errorf("names: %s: %d entries exceeds %d channels", path, len(t), n)
	}
	out := make(Table, n)
	copy(out, t)
	return out, nil
}

// LoadTTL loads a ttl.yaml of at most NTTL entries, padded to NTTL.
func LoadTTL(path string) (Table, error) { return Load(path, NTTL) }

// LoadDDS loads a dds.yaml of at most pulser.NDDS entries, padded to
// pulser.NDDS.
func LoadDDS(path string) (Table, error) { return Load(path, pulser.NDDS) }

// Save writes t back out as a YAML sequence, for the set_ttl_names/
// set_dds_names verbs.
func Save(path string, t Table) error {
	raw, err := yaml.Marshal([]string(t))
	if err != nil {
		return fmt.Errorf("names: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("names: write %s: %w", path, err)
	}
	return nil
}

// Get returns the name for chn, or "" if out of range or unnamed.
func (t Table) Get(chn int) string {
	if chn < 0 || chn >= len(t) {
		return ""
	}
	return t[chn]
}

// Set assigns chn's name, growing the table if necessary — channel
// indices are always within the fixed hardware count, but a freshly
// constructed zero-value Table has length 0 until Load runs.
func (t *Table) Set(chn int, name string) error {
	if chn < 0 {
		return fmt.Errorf("names: channel %d out of range", chn)
	}
	if chn >= len(*t) {
		grown := make(Table, chn+1)
		copy(grown, *t)
		*t = grown
	}
	(*t)[chn] = name
	return nil
}
