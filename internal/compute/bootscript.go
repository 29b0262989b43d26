package compute

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxBootScriptBytes is the cloud-side ceiling on instance user data.
const maxBootScriptBytes = 16 * 1024

// ErrBootScriptTooLarge indicates the synthesized boot script exceeds the
// provider's user data limit, usually because of oversized character files.
var ErrBootScriptTooLarge = fmt.Errorf("compute: boot script exceeds %d bytes", maxBootScriptBytes)

const (
	gatewayImage  = "companionlabs/companion-gateway:stable"
	browserImage  = "companionlabs/browser-sidecar:stable"
	dockerNet     = "companion-net"
	configDir     = "/opt/companion/config"
	charactersDir = "/opt/companion/characters"
)

// gatewayConfig is the JSON document handed to the gateway container at boot.
type gatewayConfig struct {
	ModelProvider string            `json:"model_provider"`
	ModelName     string            `json:"model_name"`
	Channel       string            `json:"channel"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	Port          int               `json:"port"`
}

// BuildBootScript synthesizes the cloud-init user data for one companion VM.
// The script installs docker, creates an isolated network, materializes the
// gateway config and character files from base64 payloads, starts the
// browser sidecar and the gateway container, then backgrounds a readiness
// loop that links the channel once the gateway answers health checks.
func BuildBootScript(spec LaunchSpec, gatewayPort int) (string, error) {
	cfg := gatewayConfig{
		ModelProvider: spec.ModelProvider,
		ModelName:     spec.ModelName,
		Channel:       spec.Channel,
		Credentials:   spec.ChannelCredentials,
		Port:          gatewayPort,
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("compute: marshal gateway config: %w", err)
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -euo pipefail\n\n")
	b.WriteString("export DEBIAN_FRONTEND=noninteractive\n")
	b.WriteString("apt-get update -y\n")
	b.WriteString("apt-get install -y docker.io curl\n")
	b.WriteString("systemctl enable --now docker\n\n")

	fmt.Fprintf(&b, "docker network create %s 2>/dev/null || true\n", dockerNet)
	fmt.Fprintf(&b, "mkdir -p %s %s\n\n", configDir, charactersDir)

	fmt.Fprintf(&b, "echo %s | base64 -d > %s/gateway.json\n",
		base64.StdEncoding.EncodeToString(cfgJSON), configDir)
	fmt.Fprintf(&b, "chmod 600 %s/gateway.json\n\n", configDir)

	// Deterministic file order keeps the script stable across relaunches.
	names := make([]string, 0, len(spec.CharacterFiles))
	for name := range spec.CharacterFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "echo %s | base64 -d > %s/%s\n",
			base64.StdEncoding.EncodeToString([]byte(spec.CharacterFiles[name])),
			charactersDir, sanitizeFileName(name))
	}
	if len(names) > 0 {
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "docker run -d --name browser --network %s --restart unless-stopped %s\n\n",
		dockerNet, browserImage)

	fmt.Fprintf(&b, "docker run -d --name gateway --network %s --restart unless-stopped \\\n", dockerNet)
	fmt.Fprintf(&b, "  -p %d:%d \\\n", gatewayPort, gatewayPort)
	fmt.Fprintf(&b, "  -e GATEWAY_TOKEN=%s \\\n", shellQuote(spec.GatewayToken))
	fmt.Fprintf(&b, "  -e MODEL_API_KEY=%s \\\n", shellQuote(spec.APIKey))
	fmt.Fprintf(&b, "  -e CONFIG_PATH=%s/gateway.json \\\n", configDir)
	fmt.Fprintf(&b, "  -e CHARACTERS_DIR=%s \\\n", charactersDir)
	fmt.Fprintf(&b, "  -v %s:%s:ro -v %s:%s:ro \\\n", configDir, configDir, charactersDir, charactersDir)
	fmt.Fprintf(&b, "  %s\n\n", gatewayImage)

	// Background readiness loop: wait for the gateway to come up, then link
	// the channel once. 60 attempts at 5s covers slow image pulls.
	b.WriteString("(\n")
	b.WriteString("for i in $(seq 1 60); do\n")
	fmt.Fprintf(&b, "  if curl -fs http://localhost:%d/healthz >/dev/null; then\n", gatewayPort)
	fmt.Fprintf(&b, "    curl -fs -X POST http://localhost:%d/v1/channel/link \\\n", gatewayPort)
	fmt.Fprintf(&b, "      -H \"Authorization: Bearer %s\" \\\n", spec.GatewayToken)
	fmt.Fprintf(&b, "      -H \"Content-Type: application/json\" \\\n")
	fmt.Fprintf(&b, "      --data @%s/gateway.json && break\n", configDir)
	b.WriteString("  fi\n")
	b.WriteString("  sleep 5\n")
	b.WriteString("done\n")
	b.WriteString(") >/var/log/companion-link.log 2>&1 &\n")

	script := b.String()
	if len(script) > maxBootScriptBytes {
		return "", ErrBootScriptTooLarge
	}
	return script, nil
}

// sanitizeFileName strips path separators so character file names cannot
// escape the characters directory.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.TrimPrefix(name, ".")
	if name == "" {
		name = "character"
	}
	return name
}

// shellQuote single-quotes a value for safe interpolation into the script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
