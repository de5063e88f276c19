// Command calctl is a command-line client for a running calendard,
// generalizing the teacher's cmd/export and cmd/peg one-shot HTTP
// client pattern from sidechain peg transactions to raw digest
// submission and lookup.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"strings"

	"github.com/chaintimestamp/calendar"
)

func main() {
	var (
		server = flag.String("server", "http://127.0.0.1:2423", "url of calendard server")
		digest = flag.String("digest", "", "hex-encoded 32-byte digest")
	)
	flag.Parse()
	*server = strings.TrimRight(*server, "/")

	if flag.NArg() == 0 {
		log.Fatal("usage: calctl [-server url] [-digest hex] submit|get|tip")
	}

	switch flag.Arg(0) {
	case "submit":
		runSubmit(*server, *digest)
	case "get":
		runGet(*server, *digest)
	case "tip":
		runTip(*server)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
}

func mustDigest(hexDigest string) calendar.Digest {
	if hexDigest == "" {
		log.Fatal("must specify -digest")
	}
	d, err := calendar.DigestFromHex(hexDigest)
	if err != nil {
		log.Fatalf("parsing digest %q: %s", hexDigest, err)
	}
	return d
}

func runSubmit(server, hexDigest string) {
	d := mustDigest(hexDigest)
	resp, err := http.Post(server+"/digest", "application/octet-stream", strings.NewReader(string(d[:])))
	if err != nil {
		log.Fatalf("submitting digest: %s", err)
	}
	defer resp.Body.Close()
	bits, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("reading response: %s", err)
	}
	if resp.StatusCode/100 != 2 {
		log.Fatalf("status code %d: %s", resp.StatusCode, bits)
	}
	printPath(bits)
}

func runGet(server, hexDigest string) {
	d := mustDigest(hexDigest)
	resp, err := http.Get(server + "/timestamp/" + d.String())
	if err != nil {
		log.Fatalf("getting timestamp: %s", err)
	}
	defer resp.Body.Close()
	bits, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("reading response: %s", err)
	}
	if resp.StatusCode/100 != 2 {
		log.Fatalf("status code %d: %s", resp.StatusCode, bits)
	}
	printPath(bits)
}

func runTip(server string) {
	resp, err := http.Get(server + "/tip")
	if err != nil {
		log.Fatalf("getting tip: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("no round has closed yet")
		return
	}
	bits, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("reading response: %s", err)
	}
	if resp.StatusCode/100 != 2 {
		log.Fatalf("status code %d: %s", resp.StatusCode, bits)
	}
	fmt.Printf("commitment: %s\n", resp.Header.Get("X-Commitment"))
	printPath(bits)
}

func printPath(bits []byte) {
	var p calendar.Path
	if err := p.UnmarshalBinary(bits); err != nil {
		log.Fatalf("decoding path: %s", err)
	}
	for _, op := range p {
		switch op.Tag {
		case calendar.OpAppendLeft:
			fmt.Printf("append_left %s\n", hex.EncodeToString(op.Sibling[:]))
		case calendar.OpAppendRight:
			fmt.Printf("append_right %s\n", hex.EncodeToString(op.Sibling[:]))
		case calendar.OpAttestPending:
			fmt.Printf("attest pending %s\n", op.URI)
		case calendar.OpAttestBitcoinBlock:
			fmt.Printf("attest bitcoin block %d\n", op.Height)
		}
	}
}
