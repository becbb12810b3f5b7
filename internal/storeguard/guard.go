// Package storeguard classifies durable-store open failures and drives the
// delete-and-recreate / degrade-to-memory recovery flow shared by every
// persistent store in the agent.
package storeguard

import (
	"errors"
	"log"
	"strings"
)

var (
	ErrStoreCorrupted = errors.New("store corrupted")
	ErrStoreDegraded  = errors.New("store degraded")
)

// Outcome reports how a guarded open finished.
type Outcome int

const (
	// Opened means the store opened on the first attempt.
	Opened Outcome = iota
	// Recreated means the store opened after one delete-and-recreate.
	Recreated
	// Degraded means the store is unusable and the caller must substitute
	// an in-memory fallback for the rest of the process lifetime.
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Recreated:
		return "recreated"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// corruptionSignatures are substrings that identify an unrecoverable store:
// recreating on top of these risks clobbering data a repair tool could still
// read, so the guard skips straight to the in-memory fallback.
var corruptionSignatures = []string{
	"file is not a database",
	"database disk image is malformed",
	"not a database",
	"malformed",
	"corrupt",
	"invalid character",
	"unexpected end of json input",
	"unexpected eof",
}

// IsCorruption reports whether err carries a known corruption signature.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreCorrupted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// OpenStore opens a durable store through the recovery flow: a clean open is
// returned as-is, a corruption-signature failure degrades immediately, and
// any other failure gets exactly one destroy+reopen before degrading.
// The returned error is the last open error and is nil iff the outcome is
// not Degraded.
func OpenStore(name string, logger *log.Logger, open func() error, destroy func() error) (Outcome, error) {
	if logger == nil {
		logger = log.Default()
	}
	err := open()
	if err == nil {
		return Opened, nil
	}
	if IsCorruption(err) {
		logger.Printf("store %s corrupted, switching to in-memory fallback: %v", name, err)
		return Degraded, err
	}
	logger.Printf("store %s failed to open, attempting delete-and-recreate: %v", name, err)
	if destroyErr := destroy(); destroyErr != nil {
		logger.Printf("store %s delete failed, switching to in-memory fallback: %v", name, destroyErr)
		return Degraded, destroyErr
	}
	if err = open(); err != nil {
		logger.Printf("store %s reopen failed, switching to in-memory fallback: %v", name, err)
		return Degraded, err
	}
	logger.Printf("store %s recreated after open failure", name)
	return Recreated, nil
}
