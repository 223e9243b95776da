package redis

import "fmt"

const (
	// KeyPrefixSnapshot is the prefix for server snapshot keys
	KeyPrefixSnapshot = "autostartstop:snapshot:"
	// KeyAllSnapshots is the key for the set of all mirrored server IDs
	KeyAllSnapshots = "autostartstop:snapshots:all"
	// KeyAlerts is the capped list of recent alerts, newest first
	KeyAlerts = "autostartstop:alerts"
)

// SnapshotKey returns the Redis key for a server snapshot by ID
func SnapshotKey(id string) string {
	return KeyPrefixSnapshot + id
}

// AllSnapshotsKey returns the key for the set of all mirrored server IDs
func AllSnapshotsKey() string {
	return KeyAllSnapshots
}

// AlertsKey returns the key of the alert list
func AlertsKey() string {
	return KeyAlerts
}

// ExtractServerID extracts the server ID from a snapshot key
func ExtractServerID(key string) (string, error) {
	if len(key) <= len(KeyPrefixSnapshot) || key[:len(KeyPrefixSnapshot)] != KeyPrefixSnapshot {
		return "", fmt.Errorf("invalid snapshot key: %s", key)
	}
	return key[len(KeyPrefixSnapshot):], nil
}
