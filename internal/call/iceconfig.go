package call

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/protocol"
)

// defaultICEServers is the fallback when the ICE configuration endpoint is
// unreachable. Call setup must never block on config availability.
func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// ICEConfigClient fetches ICE server descriptors from an external HTTP
// collaborator once per call setup.
type ICEConfigClient struct {
	endpoint string
	httpc    *http.Client
}

func NewICEConfigClient(endpoint string) *ICEConfigClient {
	return &ICEConfigClient{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Servers returns the configured ICE servers, falling back to the public
// STUN default on any failure.
func (c *ICEConfigClient) Servers(ctx context.Context) []webrtc.ICEServer {
	if c == nil || c.endpoint == "" {
		return defaultICEServers()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return defaultICEServers()
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "call.ice").Msg("ICE config fetch failed, using default STUN")
		return defaultICEServers()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("module", "call.ice").Msg("ICE config endpoint error, using default STUN")
		return defaultICEServers()
	}

	var descs []protocol.ICEServer
	if err := json.NewDecoder(resp.Body).Decode(&descs); err != nil || len(descs) == 0 {
		log.Warn().Err(err).Str("module", "call.ice").Msg("bad ICE config payload, using default STUN")
		return defaultICEServers()
	}

	out := make([]webrtc.ICEServer, 0, len(descs))
	for _, d := range descs {
		s := webrtc.ICEServer{URLs: d.URLs, Username: d.Username}
		if d.Credential != "" {
			s.Credential = d.Credential
		}
		out = append(out, s)
	}
	return out
}
