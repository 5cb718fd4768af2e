package awsec2

import (
	"encoding/base64"
	"fmt"
)

// bootScript provisions a fresh Ubuntu VM into a running bot host: Docker
// for the bot container, Caddy terminating the public port and proxying to
// the loopback-bound process. The instance role grants read access to the
// bot's config secret; the container fetches it at boot.
const bootScript = `#!/bin/bash
set -euo pipefail

export DEBIAN_FRONTEND=noninteractive
apt-get update -q
apt-get install -qy docker.io caddy

cat > /etc/caddy/Caddyfile <<'CADDY'
:80 {
	reverse_proxy 127.0.0.1:%d
}
CADDY
systemctl restart caddy

docker run -d --restart unless-stopped \
	--name openclaw \
	-p 127.0.0.1:%d:%d \
	-e CLAWSTER_PROFILE=%q \
	-e CLAWSTER_CONFIG_SECRET=%q \
	ghcr.io/openclaw/openclaw:%s
`

// buildUserData renders the base64 user-data payload for one bot.
func buildUserData(profile, secretName string, port int, version string) string {
	if version == "" {
		version = "latest"
	}
	script := fmt.Sprintf(bootScript, port, port, port, profile, secretName, version)
	return base64.StdEncoding.EncodeToString([]byte(script))
}
