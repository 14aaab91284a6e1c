package wa

import "strings"

const (
	ServerUser   = "s.whatsapp.net"
	ServerLegacy = "c.us"
	ServerGroup  = "g.us"
)

// NormalizeUser strips the agent and device parts of a user JID and maps the
// legacy c.us server to s.whatsapp.net. "628123:4@s.whatsapp.net" becomes
// "628123@s.whatsapp.net". Strings without '@' normalize to "".
func NormalizeUser(jid string) string {
	userCombined, server, ok := strings.Cut(jid, "@")
	if !ok {
		return ""
	}
	userAgent, _, _ := strings.Cut(userCombined, ":")
	user, _, _ := strings.Cut(userAgent, "_")
	if server == ServerLegacy {
		server = ServerUser
	}
	return user + "@" + server
}

// IsGroup reports whether jid addresses a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, "@"+ServerGroup)
}

// PhoneFromJID returns the user part of a normalized JID.
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}
