package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bootstrap inputs come in three shapes: a comma list of websocket URLs, a
// path to a relays.yaml, or a dns+txt:// name whose TXT records carry
// Ed25519-signed relay lists.

const (
	dnsPrefix     = "dns+txt://"
	recordVersion = "v=1"
	signingPrefix = "infermesh-relays:v1"
)

// Resolver abstracts TXT lookups so tests can supply fixtures. The runtime
// net.Resolver satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// LoadOptions tunes bootstrap resolution.
type LoadOptions struct {
	// Resolver defaults to the runtime resolver.
	Resolver Resolver
	// AuthorityKey verifies dns+txt records when the name carries no inline
	// key fragment.
	AuthorityKey ed25519.PublicKey
	// DefaultTrust applies to sources without per-relay trust (CSV, DNS).
	DefaultTrust float64
}

// Load resolves a bootstrap input into the relay list.
func Load(ctx context.Context, input string, opts LoadOptions) ([]Relay, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, errors.New("relay bootstrap input is empty")
	}
	if opts.DefaultTrust <= 0 {
		opts.DefaultTrust = 1.0
	}
	switch {
	case strings.HasPrefix(trimmed, dnsPrefix):
		return loadDNS(ctx, trimmed, opts)
	case looksLikeFile(trimmed):
		return loadYAML(trimmed)
	default:
		return loadCSV(trimmed, opts.DefaultTrust)
	}
}

func looksLikeFile(input string) bool {
	if strings.HasSuffix(input, ".yaml") || strings.HasSuffix(input, ".yml") {
		return true
	}
	if strings.Contains(input, "://") || strings.Contains(input, ",") {
		return false
	}
	_, err := os.Stat(input)
	return err == nil
}

func loadCSV(input string, trust float64) ([]Relay, error) {
	parts := strings.Split(input, ",")
	relays := make([]Relay, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		normalized, err := NormalizeURL(part)
		if err != nil {
			return nil, err
		}
		relays = append(relays, Relay{URL: normalized, Trust: trust})
	}
	if len(relays) == 0 {
		return nil, errors.New("relay bootstrap lists no usable URLs")
	}
	return dedupeRelays(relays), nil
}

type relayFile struct {
	Relays []Relay `yaml:"relays"`
}

func loadYAML(path string) ([]Relay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay file: %w", err)
	}
	var file relayFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse relay file %s: %w", path, err)
	}
	relays := make([]Relay, 0, len(file.Relays))
	for _, r := range file.Relays {
		normalized, err := NormalizeURL(r.URL)
		if err != nil {
			return nil, err
		}
		r.URL = normalized
		if r.Trust <= 0 {
			r.Trust = 1.0
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("relay file %s lists no relays", path)
	}
	return dedupeRelays(relays), nil
}

// loadDNS resolves dns+txt://name[#base64key]. Every TXT record at the name
// is checked against the authority key; unverifiable records are skipped.
func loadDNS(ctx context.Context, input string, opts LoadOptions) ([]Relay, error) {
	rest := strings.TrimPrefix(input, dnsPrefix)
	name := rest
	key := opts.AuthorityKey
	if idx := strings.Index(rest, "#"); idx >= 0 {
		name = rest[:idx]
		raw, err := base64.StdEncoding.DecodeString(rest[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("relay seed key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("relay seed key must be %d bytes", ed25519.PublicKeySize)
		}
		key = ed25519.PublicKey(raw)
	}
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return nil, errors.New("dns+txt bootstrap names no host")
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("dns+txt bootstrap requires an authority key")
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	records, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	var relays []Relay
	var errs []error
	for _, record := range records {
		urls, err := ParseRecord(name, record, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s: %w", name, err))
			continue
		}
		for _, u := range urls {
			relays = append(relays, Relay{URL: u, Trust: opts.DefaultTrust})
		}
	}
	relays = dedupeRelays(relays)
	if len(relays) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("dns %s published no relay records", name)
	}
	return relays, nil
}

// MintRecord signs a relay list for publication as a TXT record at name. The
// output has the form v=1|relays=<csv>|sig=<base64>.
func MintRecord(key ed25519.PrivateKey, name string, urls []string) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", errors.New("seed record requires an ed25519 key")
	}
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		normalized, err := NormalizeURL(raw)
		if err != nil {
			return "", err
		}
		cleaned = append(cleaned, normalized)
	}
	if len(cleaned) == 0 {
		return "", errors.New("seed record lists no relays")
	}
	joined := strings.Join(cleaned, ",")
	sig := ed25519.Sign(key, signingMessage(name, joined))
	return recordVersion + "|relays=" + joined + "|sig=" + base64.StdEncoding.EncodeToString(sig), nil
}

// ParseRecord validates one TXT record against the authority key and returns
// the relay URLs it lists.
func ParseRecord(name, record string, key ed25519.PublicKey) ([]string, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordVersion+"|") {
		return nil, errors.New("seed record missing version prefix")
	}
	var joined, sigB64 string
	for _, field := range strings.Split(trimmed, "|") {
		switch {
		case strings.HasPrefix(field, "relays="):
			joined = strings.TrimPrefix(field, "relays=")
		case strings.HasPrefix(field, "sig="):
			sigB64 = strings.TrimPrefix(field, "sig=")
		}
	}
	if joined == "" || sigB64 == "" {
		return nil, errors.New("seed record missing relays or sig field")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("seed record signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("seed record signature must be %d bytes", ed25519.SignatureSize)
	}
	if !ed25519.Verify(key, signingMessage(name, joined), sig) {
		return nil, errors.New("seed record signature verification failed")
	}
	parts := strings.Split(joined, ",")
	urls := make([]string, 0, len(parts))
	for _, u := range parts {
		normalized, err := NormalizeURL(u)
		if err != nil {
			return nil, err
		}
		urls = append(urls, normalized)
	}
	return urls, nil
}

func signingMessage(name, joined string) []byte {
	normalized := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	return []byte(signingPrefix + "\n" + joined + "\n" + normalized)
}

func dedupeRelays(in []Relay) []Relay {
	seen := make(map[string]struct{}, len(in))
	out := make([]Relay, 0, len(in))
	for _, r := range in {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}
