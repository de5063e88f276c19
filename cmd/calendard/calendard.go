package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaintimestamp/calendar"
	"github.com/chaintimestamp/calendar/server"
)

func main() {
	var (
		addr                  = flag.String("addr", "localhost:2423", "server listen address")
		baseDir               = flag.String("base-dir", "calendar-data", "on-disk base directory (journal/, index/, uri, hmac-key, donation_addr)")
		network               = flag.String("chain", "testnet", "chain selection: mainnet, testnet, or regtest")
		nodeHost              = flag.String("node", "localhost:8332", "blockchain node RPC host:port")
		nodeUser              = flag.String("node-user", "", "blockchain node RPC username")
		nodePass              = flag.String("node-pass", "", "blockchain node RPC password")
		roundSeconds          = flag.Int("round-interval", 1, "aggregator round interval, seconds")
		anchorMinSeconds      = flag.Int("anchor-min-interval", 3600, "minimum seconds between anchor transactions")
		minFeeRate            = flag.Float64("min-feerate", 1.0, "minimum relay feerate, satoshi/vbyte")
		maxFeeSat             = flag.Int64("max-fee-sat", 100000, "maximum anchor transaction fee, satoshi")
		confirmTarget         = flag.Int("confirm-target", 6, "confirmation target for initial broadcast, blocks")
		requiredConfirmations = flag.Int64("required-confirmations", 6, "confirmations required before finalizing")
		replacementSeconds    = flag.Int("replacement-timeout", 3600, "seconds an anchor tx may sit unconfirmed before a fee bump is considered, 0 disables replacement")
		bufferCap             = flag.Int("buffer-cap", 100000, "aggregator buffer cap, digests")
		maxSegmentSize        = flag.Int64("max-segment-size", 64<<20, "journal segment rotation threshold, bytes")
	)
	flag.Parse()

	srv, err := server.Open(server.Config{
		BaseDir:               *baseDir,
		RoundInterval:         time.Duration(*roundSeconds) * time.Second,
		BufferCap:             *bufferCap,
		Network:               *network,
		MinAnchorInterval:     time.Duration(*anchorMinSeconds) * time.Second,
		MinFeeRate:            *minFeeRate,
		MaxFeeSat:             *maxFeeSat,
		ConfirmTarget:         int32(*confirmTarget),
		RequiredConfirmations: *requiredConfirmations,
		ReplacementTimeout:    time.Duration(*replacementSeconds) * time.Second,
		NodeHost:              *nodeHost,
		NodeUser:              *nodeUser,
		NodePass:              *nodePass,
		MaxJournalSegmentSize: *maxSegmentSize,
	})
	if err != nil {
		log.Fatalf("starting calendar server: %s", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		log.Printf("calendard: caught signal %s, shutting down", sig)
		cancel()
	}()

	stamperDone := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		var fatal *calendar.FatalError
		if errors.As(err, &fatal) {
			cancel() // stop serving so the fatal error is reported below
		}
		stamperDone <- err
	}()

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listening on %s: %s", *addr, err)
	}
	log.Printf("calendard: listening on %s, base directory %s", listener.Addr(), *baseDir)

	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	err = httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("serving HTTP: %s", err)
	}

	if err := <-stamperDone; err != nil {
		var fatal *calendar.FatalError
		if errors.As(err, &fatal) {
			log.Fatalf("calendard: fatal error, aborting: %s", fatal)
		}
		log.Printf("calendard: stamper exited: %s", err)
	}
}
