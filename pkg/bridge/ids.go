// Copyright 2024-2026 Aiku AI

package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"maunium.net/go/mautrix/id"
)

// sanitizeLocalpart squeezes an arbitrary Feishu identifier into a valid
// Matrix localpart: lowercase, [a-z0-9._-] only, no leading/trailing
// separators, no leading digit, at most 64 characters.
func sanitizeLocalpart(raw string) string {
	lowered := strings.ToLower(raw)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned := strings.Trim(b.String(), "_.")
	if cleaned == "" {
		return "unknown"
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "u_" + cleaned
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

// puppetMXID is the Matrix user ID of the puppet for a Feishu open ID.
func (br *Bridge) puppetMXID(openID string) id.UserID {
	localpart := br.cfg.Bridge.FormatUsername(sanitizeLocalpart(openID))
	return id.NewUserID(localpart, br.cfg.Homeserver.Domain)
}

// isPuppetMXID reports whether the user ID belongs to this bridge: either a
// puppet in the configured namespace or the bridge bot itself. Used for echo
// prevention on the Matrix side.
func (br *Bridge) isPuppetMXID(userID id.UserID) bool {
	if userID == br.botMXID {
		return true
	}
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != br.cfg.Homeserver.Domain {
		return false
	}
	return strings.HasPrefix(localpart, br.usernamePrefix)
}

// outboundUUID derives the idempotency key Feishu deduplicates on: the same
// Matrix event retried with the same operation always produces the same key,
// and the 32-hex form stays under Feishu's 50-character limit.
func outboundUUID(eventID id.EventID, kind string) string {
	sum := sha256.Sum256([]byte(string(eventID) + "|" + kind))
	return hex.EncodeToString(sum[:])[:32]
}

// contentHash fingerprints an encoded outbound message. Used both to skip
// no-op edits and to collapse duplicate sends of identical content.
func contentHash(msgType, content string) string {
	sum := sha256.Sum256([]byte(msgType + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
