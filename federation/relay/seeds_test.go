package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type mapResolver struct {
	records map[string][]string
	err     error
}

func (m *mapResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("no such host")
}

func TestLoadCSV(t *testing.T) {
	relays, err := Load(context.Background(), "wss://a.example.org, https://b.example.org", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("loaded %d relays, want 2", len(relays))
	}
	if relays[0].URL != "wss://a.example.org" {
		t.Fatalf("first relay = %q", relays[0].URL)
	}
	if relays[1].URL != "wss://b.example.org" {
		t.Fatalf("second relay = %q, want normalized wss scheme", relays[1].URL)
	}
	for _, r := range relays {
		if r.Trust != 1.0 {
			t.Fatalf("relay %s trust = %v, want default 1.0", r.URL, r.Trust)
		}
	}
}

func TestLoadCSVDeduplicates(t *testing.T) {
	relays, err := Load(context.Background(), "wss://a.example.org,wss://a.example.org", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("loaded %d relays, want 1 after dedupe", len(relays))
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.yaml")
	content := `relays:
  - url: wss://relay-a.example.org
    trust: 0.8
    aggregator: true
  - url: https://relay-b.example.org
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write relays.yaml: %v", err)
	}

	relays, err := Load(context.Background(), path, LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("loaded %d relays, want 2", len(relays))
	}
	if !relays[0].Aggregator || relays[0].Trust != 0.8 {
		t.Fatalf("first relay = %+v, want aggregator with trust 0.8", relays[0])
	}
	if relays[1].URL != "wss://relay-b.example.org" {
		t.Fatalf("second relay = %q, want normalized wss scheme", relays[1].URL)
	}
	if relays[1].Trust != 1.0 {
		t.Fatalf("second relay trust = %v, want default 1.0", relays[1].Trust)
	}
}

func TestLoadDNSVerifiesSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	record, err := MintRecord(priv, "seeds.example.org", []string{"wss://r1.example.org", "wss://r2.example.org"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	forged := strings.Replace(record, "r1", "rX", 1)
	resolver := &mapResolver{records: map[string][]string{
		"seeds.example.org": {forged, record, "unrelated txt"},
	}}

	relays, err := Load(context.Background(), "dns+txt://seeds.example.org", LoadOptions{
		Resolver:     resolver,
		AuthorityKey: pub,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("loaded %d relays, want 2 from the signed record", len(relays))
	}
	for _, r := range relays {
		if r.URL == "wss://rX.example.org" {
			t.Fatalf("forged record was accepted")
		}
	}
}

func TestLoadDNSInlineKeyFragment(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	record, err := MintRecord(priv, "seeds.example.org", []string{"wss://r1.example.org"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resolver := &mapResolver{records: map[string][]string{
		"seeds.example.org": {record},
	}}

	input := "dns+txt://seeds.example.org#" + base64.StdEncoding.EncodeToString(pub)
	relays, err := Load(context.Background(), input, LoadOptions{Resolver: resolver})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(relays) != 1 || relays[0].URL != "wss://r1.example.org" {
		t.Fatalf("relays = %+v", relays)
	}
}

func TestLoadDNSRequiresAuthorityKey(t *testing.T) {
	_, err := Load(context.Background(), "dns+txt://seeds.example.org", LoadOptions{
		Resolver: &mapResolver{},
	})
	if err == nil {
		t.Fatalf("expected error without an authority key")
	}
}

func TestLoadDNSAllRecordsInvalid(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	_, other, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	record, err := MintRecord(other, "seeds.example.org", []string{"wss://r1.example.org"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	resolver := &mapResolver{records: map[string][]string{
		"seeds.example.org": {record},
	}}

	_, err = Load(context.Background(), "dns+txt://seeds.example.org", LoadOptions{
		Resolver:     resolver,
		AuthorityKey: pub,
	})
	if err == nil {
		t.Fatalf("expected error when every record fails verification")
	}
	if !strings.Contains(err.Error(), "signature verification failed") {
		t.Fatalf("err = %v, want signature verification failure", err)
	}
}

func TestMintRecordSignsLowercasedName(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	record, err := MintRecord(priv, "Seeds.Example.Org.", []string{"wss://r1.example.org"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	urls, err := ParseRecord("seeds.example.org", record, pub)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(urls) != 1 || urls[0] != "wss://r1.example.org" {
		t.Fatalf("urls = %v", urls)
	}
}

func TestLoadRejectsEmptyInput(t *testing.T) {
	if _, err := Load(context.Background(), "  ", LoadOptions{}); err == nil {
		t.Fatalf("expected error for empty input")
	}
}
