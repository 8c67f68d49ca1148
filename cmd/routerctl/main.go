// Command routerctl is the operator CLI for an inference router: key
// management, relay seed records, signed quote/infer/receipt requests, and
// admin actions.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/term"

	"infermesh/crypto"
	"infermesh/federation/relay"
	"infermesh/protocol"
	"infermesh/sdk/router"
)

const (
	defaultRouterURL = "http://127.0.0.1:8080"
	routerURLEnv     = "ROUTER_URL"
	adminSecretEnv   = "ROUTER_ADMIN_JWT_SECRET"
	requestTimeout   = 30 * time.Second
	adminTokenTTL    = 5 * time.Minute
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "seed-record":
		runSeedRecord(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "nodes":
		runNodes(os.Args[2:])
	case "quote":
		runQuote(os.Args[2:])
	case "infer":
		runInfer(os.Args[2:])
	case "receipt":
		runReceipt(os.Args[2:])
	case "recon":
		runRecon(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	scheme := fs.String("scheme", "ed25519", "Signature scheme: ed25519 or schnorr")
	out := fs.String("out", "", "Write the key to this file instead of stdout")
	fs.Parse(args)

	var key *crypto.PrivateKey
	var err error
	switch strings.ToLower(strings.TrimSpace(*scheme)) {
	case string(crypto.SchemeEd25519):
		key, err = crypto.GenerateEd25519()
	case string(crypto.SchemeSchnorr):
		key, err = crypto.GenerateSchnorr()
	default:
		fatal(fmt.Errorf("unknown scheme %q (want ed25519 or schnorr)", *scheme))
	}
	if err != nil {
		fatal(err)
	}

	if strings.TrimSpace(*out) != "" {
		if err := crypto.SaveKeyFile(*out, key); err != nil {
			fatal(err)
		}
		fmt.Printf("Wrote %s key to %s\n", key.Scheme(), *out)
		fmt.Printf("keyId: %s\n", key.KeyID())
		return
	}

	// Material on stdout so it pipes cleanly, keyId on stderr.
	material, err := encodeKey(key)
	if err != nil {
		fatal(err)
	}
	fmt.Print(material)
	fmt.Fprintf(os.Stderr, "keyId: %s\n", key.KeyID())
}

func encodeKey(key *crypto.PrivateKey) (string, error) {
	switch key.Scheme() {
	case crypto.SchemeEd25519:
		return key.EncodePEM()
	case crypto.SchemeSchnorr:
		nsec, err := key.EncodeNsec()
		if err != nil {
			return "", err
		}
		return nsec + "\n", nil
	default:
		return "", fmt.Errorf("unknown scheme %q", key.Scheme())
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	out := fs.String("out", "", "Destination key file")
	fs.Parse(args)

	if strings.TrimSpace(*out) == "" {
		fatal(errors.New("import requires -out"))
	}
	material, err := readKeyMaterial()
	if err != nil {
		fatal(err)
	}
	key, err := crypto.ParsePrivateKey(material)
	if err != nil {
		fatal(err)
	}
	if err := crypto.SaveKeyFile(*out, key); err != nil {
		fatal(err)
	}
	fmt.Printf("Imported %s key to %s\n", key.Scheme(), *out)
	fmt.Printf("keyId: %s\n", key.KeyID())
}

// readKeyMaterial takes the key from stdin when piped (hex, PEM, or nsec);
// on a terminal it prompts with echo disabled so the material stays out of
// scrollback. The interactive path reads one line, so multi-line PEM keys
// arrive via pipe.
func readKeyMaterial() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read key material: %w", err)
		}
		return string(raw), nil
	}

	fmt.Fprint(os.Stderr, "Key material (hex seed or nsec): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read key material: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("no key material entered")
	}
	return string(raw), nil
}

func runSeedRecord(args []string) {
	fs := flag.NewFlagSet("seed-record", flag.ExitOnError)
	keyFile := fs.String("key", "", "Ed25519 authority key file")
	name := fs.String("name", "", "DNS name the record will be served under")
	relays := fs.String("relays", "", "Comma-separated relay websocket URLs")
	fs.Parse(args)

	if strings.TrimSpace(*keyFile) == "" || strings.TrimSpace(*name) == "" || strings.TrimSpace(*relays) == "" {
		fatal(errors.New("seed-record requires -key, -name, and -relays"))
	}
	key, err := crypto.LoadKeyFile(*keyFile)
	if err != nil {
		fatal(err)
	}
	edKey, ok := key.Ed25519()
	if !ok {
		fatal(fmt.Errorf("seed records are signed with ed25519, key is %s", key.Scheme()))
	}
	record, err := relay.MintRecord(edKey, *name, splitList(*relays))
	if err != nil {
		fatal(err)
	}
	fmt.Println(record)
	// The fragment embeds the authority key so routers can verify the
	// record without out-of-band configuration.
	pub := base64.StdEncoding.EncodeToString(key.Public().Bytes())
	fmt.Fprintf(os.Stderr, "bootstrap: dns+txt://%s#%s\n", strings.TrimSuffix(strings.TrimSpace(*name), "."), pub)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	fs.Parse(args)

	client, err := newClient(*routerURL, "")
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(status)
}

func runNodes(args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	fs.Parse(args)

	client, err := newClient(*routerURL, "")
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	nodes, err := client.Nodes(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(nodes)
}

func runQuote(args []string) {
	fs := flag.NewFlagSet("quote", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	keyFile := fs.String("key", "", "Signing key file (a throwaway key is generated when omitted)")
	model := fs.String("model", "", "Model to price")
	inputTokens := fs.Int("input-tokens", 128, "Estimated input tokens")
	outputTokens := fs.Int("output-tokens", 128, "Estimated output tokens")
	maxTokens := fs.Int("max-tokens", 0, "Output token cap")
	requestID := fs.String("request-id", "", "Request id (random when omitted)")
	fs.Parse(args)

	if strings.TrimSpace(*model) == "" {
		fatal(errors.New("quote requires -model"))
	}
	client, err := newClient(*routerURL, *keyFile)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	quote, err := client.Quote(ctx, protocol.QuoteRequest{
		RequestID:            orRandomID(*requestID),
		ModelID:              *model,
		InputTokensEstimate:  *inputTokens,
		OutputTokensEstimate: *outputTokens,
		MaxTokens:            *maxTokens,
	})
	if err != nil {
		fatal(err)
	}
	printJSON(quote)
}

func runInfer(args []string) {
	fs := flag.NewFlagSet("infer", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	keyFile := fs.String("key", "", "Signing key file (a throwaway key is generated when omitted)")
	model := fs.String("model", "", "Model to run")
	input := fs.String("input", "", "Prompt text (read from stdin when omitted)")
	maxTokens := fs.Int("max-tokens", 0, "Output token cap")
	pay := fs.Bool("pay", false, "Settle 402 challenges inline and retry")
	requestID := fs.String("request-id", "", "Request id (random when omitted)")
	fs.Parse(args)

	if strings.TrimSpace(*model) == "" {
		fatal(errors.New("infer requires -model"))
	}
	prompt := *input
	if prompt == "" {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fatal(errors.New("infer requires -input or a piped prompt on stdin"))
		}
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(fmt.Errorf("read prompt: %w", err))
		}
		prompt = string(raw)
	}

	client, err := newClient(*routerURL, *keyFile)
	if err != nil {
		fatal(err)
	}
	req := protocol.InferenceRequest{
		RequestID: orRandomID(*requestID),
		ModelID:   *model,
		Input:     prompt,
		MaxTokens: *maxTokens,
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var result *router.InferResult
	if *pay {
		result, err = client.InferPaid(ctx, req, router.DirectPayer{})
	} else {
		result, err = client.Infer(ctx, req)
	}
	var payErr *router.PaymentRequiredError
	if errors.As(err, &payErr) {
		fmt.Fprintf(os.Stderr, "Error: %v (re-run with -pay to settle)\n", payErr)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
	printJSON(map[string]any{
		"response": result.Response,
		"metering": result.Metering,
	})
}

func runReceipt(args []string) {
	fs := flag.NewFlagSet("receipt", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	keyFile := fs.String("key", "", "Signing key file (must match the challenged client)")
	requestID := fs.String("request-id", "", "Request id of the pending challenge")
	payeeType := fs.String("payee-type", string(protocol.PayeeNode), "Payee type: node or router")
	payeeID := fs.String("payee-id", "", "Payee id from the challenge splits")
	amount := fs.Int64("amount", 0, "Settled amount in sats")
	invoice := fs.String("invoice", "", "Invoice that was paid")
	paymentHash := fs.String("payment-hash", "", "Payment hash from the challenge")
	preimage := fs.String("preimage", "", "Settlement preimage")
	fs.Parse(args)

	if strings.TrimSpace(*keyFile) == "" {
		fatal(errors.New("receipt requires -key (the router matches receipts to the challenged key)"))
	}
	if strings.TrimSpace(*requestID) == "" || strings.TrimSpace(*payeeID) == "" || *amount <= 0 {
		fatal(errors.New("receipt requires -request-id, -payee-id, and a positive -amount"))
	}
	client, err := newClient(*routerURL, *keyFile)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	receipt := protocol.PaymentReceipt{
		RequestID:   *requestID,
		PayeeType:   protocol.PayeeType(*payeeType),
		PayeeID:     *payeeID,
		AmountSats:  *amount,
		Invoice:     *invoice,
		PaymentHash: *paymentHash,
		Preimage:    *preimage,
		SettledAtMs: time.Now().UnixMilli(),
	}
	if err := client.SubmitReceipt(ctx, receipt); err != nil {
		fatal(err)
	}
	fmt.Printf("receipt accepted for %s (%s/%s, %d sats)\n", *requestID, *payeeType, *payeeID, *amount)
}

func runRecon(args []string) {
	if len(args) < 1 || args[0] != "export" {
		fmt.Fprintln(os.Stderr, "usage: routerctl recon export [flags]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("recon export", flag.ExitOnError)
	routerURL := fs.String("router", envOr(routerURLEnv, defaultRouterURL), "Router base URL")
	secret := fs.String("secret", os.Getenv(adminSecretEnv), "Admin JWT secret")
	windowStart := fs.Int64("window-start-ms", 0, "Report window start (unix ms, default end-24h)")
	windowEnd := fs.Int64("window-end-ms", 0, "Report window end (unix ms, default now)")
	fs.Parse(args[1:])

	if strings.TrimSpace(*secret) == "" {
		fatal(fmt.Errorf("admin secret required; set %s or pass -secret", adminSecretEnv))
	}
	token, err := mintAdminToken(*secret)
	if err != nil {
		fatal(err)
	}
	body, err := json.Marshal(map[string]int64{
		"windowStartMs": *windowStart,
		"windowEndMs":   *windowEnd,
	})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	report, err := postAdmin(ctx, *routerURL, "/admin/recon/export", token, body)
	if err != nil {
		fatal(err)
	}
	printJSON(report)
}

// mintAdminToken signs a short-lived HS256 token carrying the admin scope.
func mintAdminToken(secret string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"scope": "admin",
		"iat":   now.Unix(),
		"exp":   now.Add(adminTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func postAdmin(ctx context.Context, baseURL, path, token string, body []byte) (json.RawMessage, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("router url: %w", err)
	}
	target := base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router answered %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.RawMessage(payload), nil
}

// newClient builds an SDK client. Commands that only hit public read
// endpoints may omit the key file; a throwaway key satisfies the signer.
func newClient(baseURL, keyFile string) (*router.Client, error) {
	var key *crypto.PrivateKey
	var err error
	if strings.TrimSpace(keyFile) != "" {
		key, err = crypto.LoadKeyFile(keyFile)
	} else {
		key, err = crypto.GenerateEd25519()
	}
	if err != nil {
		return nil, err
	}
	return router.New(baseURL, key)
}

func orRandomID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Usage: routerctl <command> [arguments]")
	fmt.Println()
	fmt.Println("Signed commands need a key file; generate one with ./routerctl keygen -out router.pem.")
	fmt.Println("The router URL comes from -router or the ROUTER_URL environment variable.")
	fmt.Println("Commands:")
	fmt.Println("  keygen                - Generates a signing key (ed25519 or schnorr)")
	fmt.Println("  import                - Imports existing key material into a key file")
	fmt.Println("  seed-record           - Mints a signed relay TXT record for DNS bootstrap")
	fmt.Println("  status                - Prints the router status document")
	fmt.Println("  nodes                 - Lists registered nodes and the active set")
	fmt.Println("  quote -model <id>     - Requests a signed price quote")
	fmt.Println("  infer -model <id>     - Runs an inference, optionally settling payment")
	fmt.Println("  receipt               - Submits a payment receipt for a pending request")
	fmt.Println("  recon export          - Triggers a reconciliation report export (admin)")
}
