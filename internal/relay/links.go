package relay

import "strings"

// Links builds the public URLs of a channel.
type Links struct {
	baseURL string
}

// NewLinks creates Links for the service reachable at baseURL.
func NewLinks(baseURL string) Links {
	return Links{baseURL: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the service base URL without a trailing slash.
func (l Links) BaseURL() string {
	return l.baseURL
}

// Endpoint is the URL clients POST messages to.
func (l Links) Endpoint(channelID string) string {
	return l.baseURL + "/" + channelID
}

// ChannelPage is the web page where devices subscribe to a channel.
func (l Links) ChannelPage(channelID string) string {
	return l.baseURL + "/c/" + channelID
}

// Static returns the URL of a static asset.
func (l Links) Static(path string) string {
	return l.baseURL + "/static/" + strings.TrimLeft(path, "/")
}
