// Package pairing implements the broker's pairing subsystem on top of the
// shared store: code allocation and claiming, App<->Runner session
// bindings with per-Runner fan-out sets, the pair-attempt rate limiter,
// Runner liveness, and the pairing event history.
//
// Every component reads and writes the shared store directly and holds no
// cross-call locks, so any broker instance can serve any request. Writes
// that race across instances resolve through conditional store operations
// (HSetNX claims) or last-write-wins keys.
package pairing

import (
	"errors"
	"regexp"
)

// Store key layout. All pairing state lives under the "pairing:" prefix.
const (
	keyPrefixCode     = "pairing:code:"     // hash: one entry per advertised code
	keyPrefixRunner   = "pairing:runner:"   // string: runnerId -> its advertised code
	keyPrefixSession  = "pairing:session:"  // string: appId -> binding JSON
	keyPrefixApps     = "pairing:apps:"     // set: runnerId -> appIds paired to it
	keyPrefixFailures = "pairing:failures:" // zset: appId -> failure timestamps
	keyPrefixBan      = "pairing:ban:"      // string: appId -> ban deadline (epoch ms)
	keyPrefixLive     = "pairing:live:"     // string: runnerId -> last heartbeat (epoch ms)
	keyPrefixHistory  = "pairing:history:"  // list: appId -> event JSON, newest first
)

func codeKey(code string) string           { return keyPrefixCode + code }
func runnerCodeKey(runnerID string) string { return keyPrefixRunner + runnerID }
func sessionKey(appID string) string       { return keyPrefixSession + appID }
func appsKey(runnerID string) string       { return keyPrefixApps + runnerID }
func failuresKey(appID string) string      { return keyPrefixFailures + appID }
func banKey(appID string) string           { return keyPrefixBan + appID }
func liveKey(runnerID string) string       { return keyPrefixLive + runnerID }
func historyKey(appID string) string       { return keyPrefixHistory + appID }

// Sentinel errors for the pairing flows. The gateway maps these onto wire
// error codes; everything else is treated as a transport failure.
var (
	ErrCodeNotFound  = errors.New("pairing: code not found")
	ErrCodeExpired   = errors.New("pairing: code expired")
	ErrDuplicateCode = errors.New("pairing: code already claimed")
	ErrExhausted     = errors.New("pairing: could not allocate an unclaimed code")
	ErrNotPaired     = errors.New("pairing: no binding for app")
)

// codePattern is the only accepted code shape: three dash-separated groups
// of three characters from the uppercase alphanumeric alphabet.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// ValidCodeFormat reports whether a pairing code is well-formed. Callers
// reject malformed codes before any store lookup.
func ValidCodeFormat(code string) bool {
	return codePattern.MatchString(code)
}
