package awsec2

import "encoding/json"

const (
	// gatewayBind makes the bot process reachable from the local Caddy
	// proxy; the proxy, not the process, owns the public port.
	gatewayBind = "lan"

	// dockerBridgeCIDR is where the proxy's forwarded requests originate.
	dockerBridgeCIDR = "172.17.0.0/16"
)

// transformConfig rewrites the upstream-assembled config for the Caddy-on-VM
// architecture before it is persisted:
//
//   - gateway.bind is forced to a LAN-reachable value and
//     gateway.trustedProxies to the container bridge CIDR, because a local
//     reverse proxy always fronts the process
//   - gateway.host is dropped (the port is kept)
//   - a top-level sandbox block is relocated to agents.defaults.sandbox
//   - every channels.*.enabled flag is stripped: at this layer presence
//     implies enablement
//   - skills.allowUnverified is removed
//
// The input is not mutated. No business-schema validation happens here.
func transformConfig(config map[string]any, gatewayPort int) map[string]any {
	cfg := deepCopy(config)

	gateway, ok := cfg["gateway"].(map[string]any)
	if !ok {
		gateway = map[string]any{}
		cfg["gateway"] = gateway
	}
	delete(gateway, "host")
	if _, ok := gateway["port"]; !ok && gatewayPort > 0 {
		gateway["port"] = gatewayPort
	}
	gateway["bind"] = gatewayBind
	gateway["trustedProxies"] = []any{dockerBridgeCIDR}

	if sandbox, ok := cfg["sandbox"]; ok {
		delete(cfg, "sandbox")
		agents, ok := cfg["agents"].(map[string]any)
		if !ok {
			agents = map[string]any{}
			cfg["agents"] = agents
		}
		defaults, ok := agents["defaults"].(map[string]any)
		if !ok {
			defaults = map[string]any{}
			agents["defaults"] = defaults
		}
		defaults["sandbox"] = sandbox
	}

	if channels, ok := cfg["channels"].(map[string]any); ok {
		for _, channel := range channels {
			if ch, ok := channel.(map[string]any); ok {
				delete(ch, "enabled")
			}
		}
	}

	if skills, ok := cfg["skills"].(map[string]any); ok {
		delete(skills, "allowUnverified")
	}

	return cfg
}

// deepCopy round-trips through JSON so nested maps are detached from the
// caller's object. The config is JSON-bound anyway, so nothing is lost.
func deepCopy(config map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
