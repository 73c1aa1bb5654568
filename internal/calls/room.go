package calls

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	roomPrefix     = "call-"
	roomSuffixLen  = 9
	roomSuffixChar = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var roomNamePattern = regexp.MustCompile(`^call-\d+-[a-z0-9]{9}$`)

// NewRoomName returns call-<ms since epoch>-<9 lowercase alphanumerics>.
// intn defaults to math/rand/v2.IntN; tests pass a deterministic source.
func NewRoomName(now time.Time, intn func(n int) int) string {
	if intn == nil {
		intn = rand.IntN
	}
	var b strings.Builder
	b.Grow(len(roomPrefix) + 14 + 1 + roomSuffixLen)
	b.WriteString(roomPrefix)
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('-')
	for i := 0; i < roomSuffixLen; i++ {
		b.WriteByte(roomSuffixChar[intn(len(roomSuffixChar))])
	}
	return b.String()
}

// ValidRoomName reports whether name has the generated shape.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Channel is the per-user push channel name.
func Channel(identity string) string {
	return "user-" + identity
}
