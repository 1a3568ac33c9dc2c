// Package session derives the per-process identity token that correlates
// telemetry records sent from the same interpreter session.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	idOnce sync.Once
	id     string
)

// ID returns the session identity: a 64-character hex string derived once
// per process from the local user, host, process start time and a random
// nonce. It is stable for the lifetime of the process and never persisted.
func ID() string {
	idOnce.Do(func() {
		id = newID()
	})
	return id
}

func newID() string {
	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s@%s:%s:%s",
		Username(),
		host,
		time.Now().UTC().Format(time.RFC3339Nano),
		uuid.NewString(),
	)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Username reports the local user identity included in telemetry records.
// user.Current fails in some daemonized or stripped-down environments, so
// it falls back to $USER and finally "unknown".
func Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
