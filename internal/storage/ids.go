package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID creates a globally unique ID in the format:
//
//	{prefix}_{unix_nano}_{12_hex_chars}
//
// The 12 hex characters are derived from 6 cryptographically random bytes,
// giving 48 bits of randomness to avoid collisions at the same nanosecond.
// If crypto/rand fails, the ID omits the random suffix and relies on the
// nanosecond timestamp alone (acceptable for CLI-scale usage).
//
// IDs sort roughly by creation time, which keeps list output stable without
// an extra ordering column in the file and memory backends.
func NewID(prefix string) string {
	timestamp := time.Now().UnixNano()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, timestamp)
	}

	return fmt.Sprintf("%s_%d_%s", prefix, timestamp, hex.EncodeToString(b[:]))
}

// ID prefixes used across all backends.
const (
	ProjectIDPrefix  = "proj"
	TaskTypeIDPrefix = "type"
	TaskIDPrefix     = "task"
)

// NewAgentName creates a generated worker identity for fetch calls that do
// not supply one. Shorter random suffix than NewID: agent names show up in
// human-facing status output.
func NewAgentName() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("agent-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("agent-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}
