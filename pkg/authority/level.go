// Package authority implements the session authority state machine.
//
// Authority only moves up, one step at a time, and each step needs a
// justification accepted by the Verifier configured for the target level.
// Revocation is a separate terminal transition. The step tokens in
// token.go let privileged code demand a level in its signature instead of
// re-checking it at runtime.
package authority

import (
	"fmt"
	"strings"
)

// Level is an ordered trust tier.
type Level uint8

const (
	LevelUnauthenticated Level = iota
	LevelAuthenticated
	LevelElevated
	LevelSystem
)

var levelNames = [...]string{"unauthenticated", "authenticated", "elevated", "system"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool { return l <= LevelSystem }

// Next returns the level immediately above l. System has no successor.
func (l Level) Next() (Level, bool) {
	if l >= LevelSystem {
		return l, false
	}
	return l + 1, true
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("authority: invalid level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel resolves a level name, case-insensitively. "admin" is accepted
// as an alias of elevated.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "admin" {
		return LevelElevated, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("authority: unknown level %q", s)
}

// Check reports whether level satisfies required.
func Check(level, required Level) bool {
	return level.Valid() && level >= required
}
