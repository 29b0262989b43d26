package compute

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

func testSpec() LaunchSpec {
	return LaunchSpec{
		OwnerID:       7,
		InstanceID:    42,
		ModelProvider: "openai",
		ModelName:     "gpt-4o",
		APIKey:        "sk-test-123",
		Channel:       "telegram",
		ChannelCredentials: map[string]string{
			"bot_token": "12345:abcdef",
		},
		GatewayToken: "tok-xyz",
		CharacterFiles: map[string]string{
			"persona.md":  "You are a pirate.",
			"memory.json": `{"facts":[]}`,
		},
	}
}

func TestBuildBootScriptShape(t *testing.T) {
	script, err := BuildBootScript(testSpec(), 3000)
	if err != nil {
		t.Fatalf("build boot script: %v", err)
	}
	for _, want := range []string{
		"#!/bin/bash",
		"docker network create companion-net",
		"docker run -d --name browser",
		"docker run -d --name gateway",
		"-p 3000:3000",
		"http://localhost:3000/healthz",
		"/v1/channel/link",
		"Bearer tok-xyz",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q", want)
		}
	}
	if strings.Contains(script, "sk-test-123\n") {
		t.Fatalf("api key must be quoted, not bare")
	}
}

func TestBuildBootScriptConfigPayload(t *testing.T) {
	script, err := BuildBootScript(testSpec(), 3000)
	if err != nil {
		t.Fatalf("build boot script: %v", err)
	}

	// The config payload is the base64 blob written to gateway.json.
	var payload string
	for _, line := range strings.Split(script, "\n") {
		if strings.Contains(line, "gateway.json") && strings.HasPrefix(line, "echo ") {
			payload = strings.Fields(line)[1]
			break
		}
	}
	if payload == "" {
		t.Fatalf("no gateway.json payload line in script")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var cfg gatewayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cfg.ModelProvider != "openai" || cfg.ModelName != "gpt-4o" {
		t.Fatalf("unexpected model fields: %+v", cfg)
	}
	if cfg.Channel != "telegram" || cfg.Credentials["bot_token"] != "12345:abcdef" {
		t.Fatalf("unexpected channel fields: %+v", cfg)
	}
	if cfg.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Port)
	}
}

func TestBuildBootScriptCharacterFilesDeterministic(t *testing.T) {
	a, err := BuildBootScript(testSpec(), 3000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := BuildBootScript(testSpec(), 3000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a != b {
		t.Fatalf("script not stable across builds")
	}
	if !strings.Contains(a, "/opt/companion/characters/persona.md") {
		t.Fatalf("character file path missing")
	}
}

func TestBuildBootScriptTooLarge(t *testing.T) {
	spec := testSpec()
	spec.CharacterFiles = map[string]string{
		"huge.md": strings.Repeat("x", 20*1024),
	}
	if _, err := BuildBootScript(spec, 3000); !errors.Is(err, ErrBootScriptTooLarge) {
		t.Fatalf("err = %v, want ErrBootScriptTooLarge", err)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"persona.md":      "persona.md",
		"../etc/passwd":   "._etc_passwd",
		`a\b/c`:           "a_b_c",
		".hidden":         "hidden",
		"":                "character",
	}
	for in, want := range cases {
		if got := sanitizeFileName(in); got != want {
			t.Fatalf("sanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeState(t *testing.T) {
	cases := []struct {
		name ec2types.InstanceStateName
		want State
	}{
		{ec2types.InstanceStateNameRunning, StateRunning},
		{ec2types.InstanceStateNameStopped, StateStopped},
		{ec2types.InstanceStateNamePending, StateOther},
		{ec2types.InstanceStateNameStopping, StateOther},
		{ec2types.InstanceStateNameTerminated, StateOther},
	}
	for _, c := range cases {
		if got := normalizeState(&ec2types.InstanceState{Name: c.name}); got != c.want {
			t.Fatalf("normalizeState(%s) = %s, want %s", c.name, got, c.want)
		}
	}
	if got := normalizeState(nil); got != StateOther {
		t.Fatalf("normalizeState(nil) = %s, want other", got)
	}
}
