package model

import "strings"

const channelURLPrefix = "https://discord.com/channels/"

// ParseSubChannels extracts a {channel_id -> guild_id} map from a
// comma-joined list of channel URLs. Entries that do not carry the
// canonical https://discord.com/channels/{guild}/{channel} prefix are
// ignored, as is any trailing junk after the channel id.
func ParseSubChannels(raw []string) map[string]string {
	out := make(map[string]string)
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			idx := strings.Index(part, channelURLPrefix)
			if idx < 0 {
				continue
			}
			rest := part[idx+len(channelURLPrefix):]
			guild, rest := takeSnowflake(rest)
			if guild == "" || !strings.HasPrefix(rest, "/") {
				continue
			}
			channel, _ := takeSnowflake(rest[1:])
			if channel == "" {
				continue
			}
			out[channel] = guild
		}
	}
	return out
}

// takeSnowflake consumes the leading run of digits and returns it with
// the remainder of the string.
func takeSnowflake(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
