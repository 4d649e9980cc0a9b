// Package channel derives media relay channel names from chat identifiers.
package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"callkit/internal/domain"
)

// MaxNameLen is the relay's channel name limit in bytes
const MaxNameLen = 64

const namePrefix = "call_"

// ForConversation derives a deterministic channel name for a conversation.
// Repeated calls with the same conversation and mode yield the same name.
func ForConversation(conversationID uuid.UUID, mode domain.CallMode) string {
	return hashedName(conversationID.String() + ":" + string(mode))
}

// ForPair derives a deterministic channel name for an unordered pair of
// users. The pair is sorted first, so argument order does not matter.
func ForPair(userA, userB uuid.UUID, mode domain.CallMode) string {
	ids := []string{userA.String(), userB.String()}
	sort.Strings(ids)
	return hashedName(ids[0] + ":" + ids[1] + ":" + string(mode))
}

// ForGroup derives a channel name for a group call. Unlike the pair form
// it is intentionally not deterministic across repeated calls: a coarse
// timestamp suffix keeps back-to-back group calls from landing in the
// same relay session.
func ForGroup(label string, mode domain.CallMode, at time.Time) string {
	sanitized := sanitizeLabel(label)
	name := fmt.Sprintf("%s%s_%s_%d", namePrefix, sanitized, string(mode), at.Unix()/60)
	return truncate(name)
}

func hashedName(input string) string {
	sum := sha256.Sum256([]byte(input))
	return truncate(namePrefix + hex.EncodeToString(sum[:4]))
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "group"
	}
	return b.String()
}

func truncate(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}
	return name[:MaxNameLen]
}
