package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/protocol"
	"github.com/vinayprograms/gatekit/router"
)

func TestBuiltins(t *testing.T) {
	r := router.New(router.Config{})
	if err := registerBuiltins(r); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	tests := []struct {
		typeID int
		want   string
	}{
		{TypePing, `"pong":true`},
		{TypeWhoAmI, `"identity":"alice"`},
	}
	for _, tt := range tests {
		resp := r.Dispatch(context.Background(), "alice", &protocol.Request{
			MessageTypeID: tt.typeID,
			CorrelationID: uuid.New(),
		})
		if resp.StatusCode != protocol.StatusOK {
			t.Errorf("type %d status = %v", tt.typeID, resp.StatusCode)
			continue
		}
		data, err := protocol.MarshalResponse(resp)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), tt.want) {
			t.Errorf("type %d response = %s", tt.typeID, data)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekit.toml")
	content := `
[server]
addr = ":9100"

[rate_limit]
limit = 10
burst = 2

[identities.alice]
capabilities = ["create-x"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check-config", "--config", path})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	for _, want := range []string{":9100/ws", "12 msgs/1m0s", "1 static identities"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}

	os.WriteFile(path, []byte("[rate_limit]\nlimit = 0\n"), 0o600)
	rootCmd.SetArgs([]string{"check-config", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected invalid config to fail")
	}
}
