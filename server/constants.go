package server

import "github.com/dotside-studios/nfc-relay/buildinfo"

// DefaultPort serves the status API and WebSocket.
const DefaultPort = 18080

// mDNS advertisement
var (
	MDNSServiceType = "_nfc-relay._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)
