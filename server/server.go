// Package server wires the calendar store, aggregator, and stamper
// into the running calendar process and exposes its HTTP API (spec
// §6). It is the composition root the teacher's slidechain.go and
// custodian.go play for the sidechain custodian, generalized to a
// timestamping calendar.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaintimestamp/calendar"
	"github.com/chaintimestamp/calendar/aggregator"
	"github.com/chaintimestamp/calendar/stamper"
)

// Config assembles every value SPEC_FULL.md's "Configuration
// (enumerated)" section calls for.
type Config struct {
	BaseDir string

	RoundInterval time.Duration
	BufferCap     int

	Network               string
	MinAnchorInterval     time.Duration
	MinFeeRate            float64
	MaxFeeSat             int64
	ConfirmTarget         int32
	RequiredConfirmations int64
	ReplacementTimeout    time.Duration

	NodeHost, NodeUser, NodePass string

	MaxJournalSegmentSize int64
}

// Server is the assembled calendar process: the Store (journal +
// index), the Aggregator, the Stamper, and the on-disk identity files
// spec §6 "On-disk layout" names.
type Server struct {
	cfg Config

	cal        *calendar.Store
	agg        *aggregator.Aggregator
	stamp      *stamper.Stamper
	stampStore *stamper.Store

	uri          string
	hmacKey      [32]byte
	donationAddr string
}

// Open assembles a Server from cfg, reading the identity files under
// cfg.BaseDir (spec §6 "On-disk layout": uri, hmac-key, donation_addr)
// and opening the journal and index. Only hmac-key is generated when
// absent; a missing uri or donation_addr file is an error.
func Open(cfg Config) (*Server, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	uri, err := readOrInitURI(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	hmacKey, err := readOrInitHMACKey(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	donationAddr, err := readTextFile(filepath.Join(cfg.BaseDir, "donation_addr"))
	if err != nil {
		return nil, fmt.Errorf("reading donation_addr: %w", err)
	}

	cal, err := calendar.OpenStore(
		filepath.Join(cfg.BaseDir, "journal"),
		filepath.Join(cfg.BaseDir, "index", "index.db"),
		cfg.MaxJournalSegmentSize,
	)
	if err != nil {
		return nil, fmt.Errorf("opening calendar store: %w", err)
	}

	wallet, err := stamper.DialRPCWallet(cfg.NodeHost, cfg.NodeUser, cfg.NodePass, cfg.Network)
	if err != nil {
		cal.Close()
		return nil, fmt.Errorf("connecting to blockchain node: %w", err)
	}
	stampStore, err := stamper.OpenStore(filepath.Join(cfg.BaseDir, "stamper.db"))
	if err != nil {
		cal.Close()
		return nil, fmt.Errorf("opening stamper store: %w", err)
	}

	s := &Server{
		cfg:          cfg,
		cal:          cal,
		stampStore:   stampStore,
		uri:          uri,
		hmacKey:      hmacKey,
		donationAddr: donationAddr,
	}

	s.stamp = stamper.New(stamper.Config{
		Network:               cfg.Network,
		MinAnchorInterval:     cfg.MinAnchorInterval,
		MinFeeRate:            cfg.MinFeeRate,
		MaxFeeSat:             cfg.MaxFeeSat,
		ConfirmTarget:         cfg.ConfirmTarget,
		RequiredConfirmations: cfg.RequiredConfirmations,
		ReplacementTimeout:    cfg.ReplacementTimeout,
		ServerURI:             uri,
	}, wallet, stampStore, cal)

	s.agg = aggregator.New(cfg.RoundInterval, cfg.BufferCap, s.stamp.PendingTail, cal.AddCommitment)

	return s, nil
}

func readOrInitURI(baseDir string) (string, error) {
	path := filepath.Join(baseDir, "uri")
	uri, err := readTextFile(path)
	if err == nil {
		return uri, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading uri: %w", err)
	}
	return "", fmt.Errorf("uri file missing at %s: a calendar's public URI must be provisioned before first start", path)
}

func readOrInitHMACKey(baseDir string) ([32]byte, error) {
	var key [32]byte
	path := filepath.Join(baseDir, "hmac-key")
	b, err := ioutil.ReadFile(path)
	if err == nil {
		if len(b) != 32 {
			return key, fmt.Errorf("hmac-key file at %s is %d bytes, want 32", path, len(b))
		}
		copy(key[:], b)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("reading hmac-key: %w", err)
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generating hmac-key: %w", err)
	}
	if err := ioutil.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("writing hmac-key: %w", err)
	}
	log.Printf("server: generated new hmac-key at %s", path)
	return key, nil
}

func readTextFile(path string) (string, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(bytesTrimRight(b)), nil
}

func bytesTrimRight(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

// Run starts the Stamper's background loop. It blocks until ctx is
// canceled or the Stamper stops with an error (spec §5 task 3).
func (s *Server) Run(ctx context.Context) error {
	return s.stamp.Run(ctx)
}

// Handler returns the HTTP handler for the full API surface of spec
// §6 "HTTP API".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/digest", s.handleSubmit)
	mux.HandleFunc("/timestamp/", s.handleGet)
	mux.HandleFunc("/tip", s.handleTip)
	mux.HandleFunc("/backup/", s.handleBackup)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Close releases the Server's underlying resources. It does not stop
// Run; callers cancel the context passed to Run first. The Aggregator
// is stopped before the calendar store closes, so no round timer can
// fire an AddCommitment against an already-closed journal/index.
func (s *Server) Close() error {
	s.agg.Close()
	if err := s.stampStore.Close(); err != nil {
		return err
	}
	return s.cal.Close()
}
