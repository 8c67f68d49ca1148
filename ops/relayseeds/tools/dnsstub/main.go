// Command dnsstub is a development DNS server answering TXT lookups for one
// name with a signed relay seed record, so routers can exercise the
// dns+txt:// bootstrap path without real DNS infrastructure.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"infermesh/crypto"
	"infermesh/federation/relay"
)

// maxTXTString is the per-string limit of a TXT record; longer records are
// split into chunks, which resolvers rejoin.
const maxTXTString = 255

func main() {
	var (
		keyFile    = flag.String("key", "", "Ed25519 authority key file (generated when omitted)")
		name       = flag.String("name", "relays.infermesh.test", "DNS name to answer TXT lookups for")
		relayList  = flag.String("relays", "", "Comma-separated relay websocket URLs")
		listenAddr = flag.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
		ttlSeconds = flag.Int("ttl", 60, "TXT record TTL in seconds")
	)
	flag.Parse()

	urls := splitList(*relayList)
	if len(urls) == 0 {
		log.Fatal("no relays given; pass -relays wss://relay-a,wss://relay-b")
	}

	edKey, pub, err := loadAuthority(*keyFile)
	if err != nil {
		log.Fatalf("authority key: %v", err)
	}
	record, err := relay.MintRecord(edKey, *name, urls)
	if err != nil {
		log.Fatalf("mint seed record: %v", err)
	}

	fqdn := dns.Fqdn(strings.TrimSpace(*name))
	chunks := chunkTXT(record)

	handler := func(w dns.ResponseWriter, r *dns.Msg) {
		msg := &dns.Msg{}
		msg.SetReply(r)
		msg.Authoritative = true

		if len(r.Question) == 0 {
			_ = w.WriteMsg(msg)
			return
		}

		question := r.Question[0]
		switch {
		case question.Qtype != dns.TypeTXT:
			msg.Rcode = dns.RcodeNotImplemented
		case strings.EqualFold(question.Name, fqdn):
			rr := &dns.TXT{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: uint32(*ttlSeconds)},
				Txt: chunks,
			}
			msg.Answer = append(msg.Answer, rr)
		default:
			msg.Rcode = dns.RcodeNameError
		}

		if err := w.WriteMsg(msg); err != nil {
			log.Printf("failed to write DNS response: %v", err)
		}
	}

	dns.HandleFunc(".", handler)

	udpServer := &dns.Server{Addr: *listenAddr, Net: "udp"}
	go func() {
		log.Printf("relay seed stub listening on %s for %s", *listenAddr, fqdn)
		if err := udpServer.ListenAndServe(); err != nil {
			log.Fatalf("dns server error: %v", err)
		}
	}()

	tcpServer := &dns.Server{Addr: *listenAddr, Net: "tcp"}
	go func() {
		if err := tcpServer.ListenAndServe(); err != nil {
			log.Fatalf("dns tcp server error: %v", err)
		}
	}()

	log.Printf("bootstrap: dns+txt://%s#%s",
		strings.TrimSuffix(strings.TrimSpace(*name), "."), base64.StdEncoding.EncodeToString(pub))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = udpServer.ShutdownContext(shutdownCtx)
	_ = tcpServer.ShutdownContext(shutdownCtx)
	log.Println("relay seed stub shut down")
}

// loadAuthority reads the signing key from keyFile, or generates a throwaway
// authority when none is given. Either way the caller gets the public key to
// embed in the bootstrap fragment.
func loadAuthority(keyFile string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if strings.TrimSpace(keyFile) == "" {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, err
		}
		log.Print("no -key given, generated a throwaway authority key")
		return priv, pub, nil
	}
	key, err := crypto.LoadKeyFile(keyFile)
	if err != nil {
		return nil, nil, err
	}
	edKey, ok := key.Ed25519()
	if !ok {
		return nil, nil, fmt.Errorf("seed records are signed with ed25519, key is %s", key.Scheme())
	}
	return edKey, edKey.Public().(ed25519.PublicKey), nil
}

func chunkTXT(record string) []string {
	if len(record) <= maxTXTString {
		return []string{record}
	}
	chunks := make([]string, 0, len(record)/maxTXTString+1)
	for len(record) > maxTXTString {
		chunks = append(chunks, record[:maxTXTString])
		record = record[maxTXTString:]
	}
	return append(chunks, record)
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
