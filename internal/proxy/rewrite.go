package proxy

import (
	"encoding/json"
	"strings"
)

// webhookKeys are the top-level response fields that may carry a callback
// URL pointing at the raw upstream host. Both spellings occur in provider
// responses and are rewritten independently.
var webhookKeys = [...]string{"webhook_url", "webhookUrl"}

// Rewriter replaces the upstream host prefix in callback URLs with the
// gateway's public prefix, so tenants configure callbacks against the
// gateway and never learn the provider hostname.
type Rewriter struct {
	upstreamPrefix string
	publicPrefix   string
}

// NewRewriter creates a callback URL rewriter. Trailing slashes on either
// prefix are ignored.
func NewRewriter(upstreamPrefix, publicPrefix string) *Rewriter {
	return &Rewriter{
		upstreamPrefix: strings.TrimSuffix(upstreamPrefix, "/"),
		publicPrefix:   strings.TrimSuffix(publicPrefix, "/"),
	}
}

// Rewrite returns the outcome body with callback URLs rewritten. Only
// top-level string fields are touched; the path remainder after the upstream
// prefix is preserved byte for byte. If nothing changes the original body is
// returned unmodified, avoiding a re-encode that could reorder fields.
func (r *Rewriter) Rewrite(out *Outcome) []byte {
	if !out.JSON || r.upstreamPrefix == "" || r.publicPrefix == "" {
		return out.Body
	}

	changed := false
	for _, key := range webhookKeys {
		v, ok := out.Fields[key].(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(v, r.upstreamPrefix) {
			out.Fields[key] = r.publicPrefix + strings.TrimPrefix(v, r.upstreamPrefix)
			changed = true
		}
	}
	if !changed {
		return out.Body
	}

	body, err := json.Marshal(out.Fields)
	if err != nil {
		return out.Body
	}
	return body
}
