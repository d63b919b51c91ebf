package pubsub

import (
	"context"
	"testing"

	"github.com/angelmondragon/billing-engine/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project string
		name    string
		want    string
	}{
		{project: "acme", name: "billing-events", want: "projects/acme/topics/billing-events"},
		{project: "acme", name: " projects/other/topics/x ", want: "projects/other/topics/x"},
		{project: "", name: "billing-events", want: ""},
		{project: "acme", name: "  ", want: ""},
	}
	for _, tc := range cases {
		if got := topicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("topicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestNormalizeNamesDropsBlank(t *testing.T) {
	got := normalizeNames([]string{"a", " ", "", " b "})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestNewClientRequiresProject(t *testing.T) {
	if _, err := NewClient(context.Background(), config.GCPConfig{}, []string{"billing-events"}, nil); err != errProjectIDRequired {
		t.Fatalf("expected project id error, got %v", err)
	}
}

func TestNilClientPublisher(t *testing.T) {
	var c *Client
	if c.Publisher("billing-events") != nil {
		t.Fatal("expected nil publisher from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}

func TestClientOptionsPreferInlineCredentials(t *testing.T) {
	if opts := clientOptions(config.GCPConfig{}); len(opts) != 0 {
		t.Fatalf("expected application default credentials, got %d options", len(opts))
	}
	opts := clientOptions(config.GCPConfig{CredentialsJSON: `{"type":"service_account"}`, ApplicationCredentials: "/etc/gcp.json"})
	if len(opts) != 1 {
		t.Fatalf("expected one credentials option, got %d", len(opts))
	}
	if opts := clientOptions(config.GCPConfig{ApplicationCredentials: "/etc/gcp.json"}); len(opts) != 1 {
		t.Fatalf("expected credentials file option, got %d", len(opts))
	}
}
