// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/eva-go/pkg/discovery"
	"github.com/dtn7/eva-go/pkg/eva"
)

const testConfiguration = `
[logging]
level = "info"
format = "text"

[eva]
block-size = 500
retransmit-interval = 0.5
termination-enabled = false

[overlay]
node = "alice"
protocol = "udp"
listen = ":35039"

[store]
path = "/tmp/eva-store"
retention = 3600.0

[discovery]
ipv4 = true

[[exchange]]
outbox = "/tmp/eva-out"
inbox = "/tmp/eva-in"
compress = true

[serve]
directory = "/tmp/eva-serve"

[api]
listen = "localhost:8080"
`

func writeConfig(t *testing.T, content string) string {
	filename := filepath.Join(t.TempDir(), "evad.toml")
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseConfig(t *testing.T) {
	conf, err := parseConfig(writeConfig(t, testConfiguration))
	if err != nil {
		t.Fatal(err)
	}

	if conf.Overlay.Node != "alice" || conf.Overlay.Protocol != "udp" {
		t.Fatalf("Unexpected overlay block: %v", conf.Overlay)
	}
	if conf.Discovery.Interval != 10 {
		t.Fatalf("Expected default discovery interval of 10, got %d", conf.Discovery.Interval)
	}
	if len(conf.Exchange) != 1 || !conf.Exchange[0].Compress || conf.Exchange[0].Outbox != "/tmp/eva-out" {
		t.Fatalf("Unexpected exchange block: %v", conf.Exchange)
	}
	if conf.Serve.Directory != "/tmp/eva-serve" || conf.Api.Listen != "localhost:8080" {
		t.Fatalf("Unexpected serve or api block: %v %v", conf.Serve, conf.Api)
	}

	evaConf := conf.Eva.protocolConfig()
	expected := eva.DefaultConfig()
	expected.BlockSize = 500
	expected.RetransmitInterval = 500 * time.Millisecond
	expected.TerminationEnabled = false

	if evaConf != expected {
		t.Fatalf("Expected %v, got %v", expected, evaConf)
	}

	if msg, err := conf.announcement(); err != nil {
		t.Fatal(err)
	} else if msg != (discovery.Announcement{Protocol: discovery.UDP, Node: "alice", Port: 35039}) {
		t.Fatalf("Unexpected announcement %v", msg)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		content string
		errs    int
	}{
		{`
[overlay]
node = "alice"
protocol = "udp"
listen = ":35039"
`, 0},
		{`
[overlay]
protocol = "carrier-pigeon"
`, 2},
		{`
[eva]
block-size = -1
window-size = 300

[overlay]
node = "alice"
protocol = "udp"
listen = ":35039"
`, 1},
		{`
[overlay]
node = "alice"
protocol = "websocket"

[[exchange]]
outbox = "/tmp/eva"
inbox = "/tmp/eva"
`, 4},
	}

	for i, test := range tests {
		_, err := parseConfig(writeConfig(t, test.content))

		if test.errs == 0 {
			if err != nil {
				t.Fatalf("Test %d: unexpected error %v", i, err)
			}
			continue
		}

		merr, ok := err.(*multierror.Error)
		if !ok {
			t.Fatalf("Test %d: expected a multierror, got %v", i, err)
		}
		if len(merr.Errors) != test.errs {
			t.Fatalf("Test %d: expected %d errors, got %d: %v", i, test.errs, len(merr.Errors), merr)
		}
	}
}

func TestAnnouncementWebSocket(t *testing.T) {
	conf := tomlConfig{
		Overlay: overlayConf{Node: "bob", Protocol: "websocket", Endpoint: "ws://bob:8080/eva"},
		Api:     apiConf{Listen: ":8080"},
	}

	msg, err := conf.announcement()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Protocol != discovery.WebSocket || msg.Port != 8080 {
		t.Fatalf("Unexpected announcement %v", msg)
	}
}
