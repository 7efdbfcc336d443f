package discord

import "strings"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// identifyCapabilities mirrors what the official web client sends; it
// enables the full dispatch event set for user tokens.
const identifyCapabilities = 16381

// ClientProperties is the identify "properties" block derived from the
// account's user agent.
type ClientProperties struct {
	OS               string `json:"os"`
	Browser          string `json:"browser"`
	Device           string `json:"device"`
	SystemLocale     string `json:"system_locale"`
	BrowserUserAgent string `json:"browser_user_agent"`
	BrowserVersion   string `json:"browser_version"`
	OSVersion        string `json:"os_version"`
	Referrer         string `json:"referrer"`
	ReferringDomain  string `json:"referring_domain"`
	ReleaseChannel   string `json:"release_channel"`
}

// AuthData is the identify payload body. Parsing a user agent and
// serializing the result is stable: fields are preserved as-is.
type AuthData struct {
	Token        string           `json:"token"`
	Capabilities int              `json:"capabilities"`
	Properties   ClientProperties `json:"properties"`
	Presence     PresenceData     `json:"presence"`
	Compress     bool             `json:"compress"`
	ClientState  map[string]any   `json:"client_state"`
}

type PresenceData struct {
	Status     string `json:"status"`
	Since      int64  `json:"since"`
	Activities []any  `json:"activities"`
	AFK        bool   `json:"afk"`
}

// NewAuthData builds the identify body for a user token, deriving the
// client properties from the account's user agent.
func NewAuthData(token, userAgent string) AuthData {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return AuthData{
		Token:        token,
		Capabilities: identifyCapabilities,
		Properties:   ParseClientProperties(userAgent),
		Presence: PresenceData{
			Status:     "online",
			Activities: []any{},
		},
		ClientState: map[string]any{},
	}
}

// ParseClientProperties extracts browser family, major.minor version,
// device and OS from a browser user agent string.
func ParseClientProperties(userAgent string) ClientProperties {
	p := ClientProperties{
		Browser:          "Chrome",
		OS:               "Windows",
		OSVersion:        "10",
		SystemLocale:     "en-US",
		BrowserUserAgent: userAgent,
		ReleaseChannel:   "stable",
	}

	switch {
	case strings.Contains(userAgent, "Windows NT 11"):
		p.OS, p.OSVersion = "Windows", "11"
	case strings.Contains(userAgent, "Windows"):
		p.OS, p.OSVersion = "Windows", "10"
	case strings.Contains(userAgent, "Mac OS X"):
		p.OS, p.OSVersion = "Mac OS X", macVersion(userAgent)
	case strings.Contains(userAgent, "Linux"):
		p.OS, p.OSVersion = "Linux", ""
	}

	// order matters: Edge and Opera embed a Chrome token
	switch {
	case strings.Contains(userAgent, "Edg/"):
		p.Browser, p.BrowserVersion = "Edge", majorMinor(versionAfter(userAgent, "Edg/"))
	case strings.Contains(userAgent, "OPR/"):
		p.Browser, p.BrowserVersion = "Opera", majorMinor(versionAfter(userAgent, "OPR/"))
	case strings.Contains(userAgent, "Firefox/"):
		p.Browser, p.BrowserVersion = "Firefox", majorMinor(versionAfter(userAgent, "Firefox/"))
	case strings.Contains(userAgent, "Chrome/"):
		p.Browser, p.BrowserVersion = "Chrome", majorMinor(versionAfter(userAgent, "Chrome/"))
	case strings.Contains(userAgent, "Safari/") && strings.Contains(userAgent, "Version/"):
		p.Browser, p.BrowserVersion = "Safari", majorMinor(versionAfter(userAgent, "Version/"))
	}

	return p
}

func versionAfter(ua, marker string) string {
	i := strings.Index(ua, marker)
	if i < 0 {
		return ""
	}
	rest := ua[i+len(marker):]
	end := strings.IndexAny(rest, " ;)")
	if end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func majorMinor(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return version
}

func macVersion(ua string) string {
	v := versionAfter(ua, "Mac OS X ")
	return strings.ReplaceAll(v, "_", ".")
}
