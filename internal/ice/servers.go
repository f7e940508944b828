// Package ice builds the STUN/TURN server list that browsers use to set up
// their peer connection. The list is sent once, on connect.
package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Options describes the configured ICE infrastructure.
type Options struct {
	STUN         []string
	TURNServer   string
	TURNUsername string
	TURNPassword string
}

// Servers returns the browser-facing ICE server list. Blank STUN entries
// are skipped; TURN is only included when server, username and password
// are all present.
func Servers(opts Options) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(opts.STUN)+1)
	for _, u := range opts.STUN {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	if opts.TURNServer != "" && opts.TURNUsername != "" && opts.TURNPassword != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{opts.TURNServer},
			Username:       opts.TURNUsername,
			Credential:     opts.TURNPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}
