// Package coord implements leader election, heartbeat renewal, split-brain
// detection, and election metrics for the replica set. At most one process
// may observe is_leader=true; everything here is biased toward demoting
// rather than risking two leaders.
package coord

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadInstanceID returns this process's replica-set identity as a UUID-PID
// composite. The bare UUID persists in the identity file so a crash-restart
// reuses the same identity; the PID suffix distinguishes live processes that
// share a host volume.
func LoadInstanceID(path string) (string, error) {
	base, err := loadOrCreateUUID(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", base, os.Getpid()), nil
}

func loadOrCreateUUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := BareUUID(strings.TrimSpace(string(data)))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt file: fall through and regenerate.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("coord: read identity file %s: %w", path, err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("coord: write identity file %s: %w", path, err)
	}
	return id, nil
}

// BareUUID strips a trailing PID segment from a stored instance id. An id
// with four hyphens is a bare UUID; with five, the last segment is the PID
// appended at runtime.
func BareUUID(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) == 6 {
		return strings.Join(parts[:5], "-")
	}
	return id
}
