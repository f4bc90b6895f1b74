// ABOUTME: Mention parsing and routing decisions for federated chat frames.
// ABOUTME: Mentions filter the target list; otherwise routing stays permissive.

package relay

import (
	"regexp"

	"github.com/openclaw/claw-relay/internal/store"
)

// Mentions take the form @gatewayId or @gatewayId:agentId.
var mentionPattern = regexp.MustCompile(`@([\w-]+)(?::([\w-]+))?`)

// Mention is one @reference found in chat text. AgentID is captured but not
// required for routing.
type Mention struct {
	GatewayID string
	AgentID   string
}

// ParseMentions extracts every mention from a message.
func ParseMentions(message string) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(message, -1)
	mentions := make([]Mention, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, Mention{GatewayID: m[1], AgentID: m[2]})
	}
	return mentions
}

// routeTargets picks which supplied targets a chat frame goes to. Mentions
// filter the list to matching gateways. With no mentions, an explicit
// broadcast and the unmarked default are equivalent: both send to every
// supplied target. Keeping the default permissive is deliberate.
func routeTargets(mentions []Mention, targets []store.FederatedTarget, broadcast bool) []store.FederatedTarget {
	if len(mentions) == 0 {
		return targets
	}

	var out []store.FederatedTarget
	for _, m := range mentions {
		for _, t := range targets {
			if t.GatewayID == m.GatewayID {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
