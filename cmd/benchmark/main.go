// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/urp"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout
)

// patternReader is an [io.ReaderAt] yielding a repeating byte pattern,
// which allows large transfers without allocating the input upfront.
type patternReader struct{}

func (patternReader) ReadAt(p []byte, off int64) (int, error) {
	for idx := range p {
		p[idx] = byte('a' + (off+int64(idx))%26)
	}
	return len(p), nil
}

// countingWriter counts the delivered bytes and discards them.
type countingWriter struct {
	total atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	cw.total.Add(uint64(len(p)))
	return len(p), nil
}

// printerMain prints receive speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n")
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			nbytes := total.Load()
			speed := (8 * float64(nbytes) / elapsed) / (1000 * 1000)
			fmt.Fprintf(output, "\r\t%10.3f Mbit/s", speed)
		}
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("benchmark", flag.ExitOnError)

	// 2. add flags to parse
	var (
		fcp         = fset.Float64("fcp", 0, "Probability of corrupting a forward segment.")
		flp         = fset.Float64("flp", 0, "Probability of dropping a forward segment.")
		linger      = fset.Duration("linger", 250*time.Millisecond, "How long the receiver answers retransmitted FINs.")
		maxRetries  = fset.Int("max-retries", urp.DefaultMaxRetries, "Consecutive unanswered retransmissions tolerated.")
		maxWin      = fset.Int("max-win", 65536, "Maximum unacknowledged bytes in flight.")
		mss         = fset.Int("mss", urp.DefaultMSS, "Maximum payload bytes per segment.")
		pcapFile    = fset.String("pcap-file", "", "Write a PCAP capture at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
		rcp         = fset.Float64("rcp", 0, "Probability of corrupting a reverse segment.")
		rlp         = fset.Float64("rlp", 0, "Probability of dropping a reverse segment.")
		rto         = fset.Duration("rto", urp.DefaultRTO, "Retransmission timeout.")
		seed        = fset.Uint64("seed", 0, "Fault emulator seed (0 picks a random one).")
		size        = fset.Int64("size", 16*1024*1024, "Bytes to transfer.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. arrange for ^C to cancel the transfer
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// 5. create the in-memory wire connecting the two endpoints
	wire := urp.NewWire()
	spc, rpc := wire.Endpoints()

	// 6. create the emulated-channel fault policy
	if *seed == 0 {
		*seed = rand.Uint64()
	}
	faults := runtimex.PanicOnError1(urp.NewRandomFaults(urp.FaultProbabilities{
		ForwardLoss:       *flp,
		ForwardCorruption: *fcp,
		ReverseLoss:       *rlp,
		ReverseCorruption: *rcp,
	}, *seed))
	options := []urp.LinkOption{
		urp.LinkOptionFaultPolicy(faults),
		urp.LinkOptionRand(rand.New(rand.NewPCG(*seed, 1))),
	}

	// 7. optionally open the packet capture
	var trace *urp.PCAPTrace
	if *pcapFile != "" {
		capfile := runtimex.PanicOnError1(os.Create(*pcapFile))
		trace = urp.NewPCAPTrace(capfile,
			urp.PCAPTraceOptionSnaplen(uint32(*pcapSnaplen)))
		options = append(options, urp.LinkOptionPCAPTrace(trace))
	}

	// 8. the sender link emulates the channel for both directions, so
	// the receiver link stays plain
	slink := urp.NewLink(spc, rpc.LocalAddr(), urp.DirForward, options...)
	defer slink.Close()
	rlink := urp.NewLink(rpc, spc.LocalAddr(), urp.DirReverse)
	defer rlink.Close()

	// 9. create the sender and the receiver
	sender := runtimex.PanicOnError1(urp.NewSender(urp.SenderConfig{
		Input:      patternReader{},
		InputSize:  *size,
		Link:       slink,
		MaxWindow:  *maxWin,
		MSS:        *mss,
		RTO:        *rto,
		MaxRetries: *maxRetries,
	}))
	cw := &countingWriter{}
	receiver := runtimex.PanicOnError1(urp.NewReceiver(urp.ReceiverConfig{
		Output:    cw,
		Link:      rlink,
		MaxWindow: *maxWin,
		MSS:       *mss,
		Linger:    *linger,
	}))

	// 10. run the transfer at both endpoints
	var (
		senderStats urp.SenderStats
		senderErr   error
		recvStats   urp.ReceiverStats
		recvErr     error
	)
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		senderStats, senderErr = sender.Run(ctx)
	})
	wg.Go(func() {
		recvStats, recvErr = receiver.Run(ctx)
	})

	// 11. print the live receive speed until the transfer completes
	printCtx, printCancel := context.WithCancel(context.Background())
	pwg := &sync.WaitGroup{}
	pwg.Go(func() {
		printerMain(printCtx, &cw.total)
	})
	wg.Wait()
	printCancel()
	pwg.Wait()

	// 12. flush the capture before judging the outcome
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
	}

	// 13. print the per-endpoint summaries
	fmt.Fprintf(output, "\n--- sender ---\n")
	runtimex.PanicOnError0(urp.WriteSenderSummary(output, senderStats))
	fmt.Fprintf(output, "\n--- receiver ---\n")
	runtimex.PanicOnError0(urp.WriteReceiverSummary(output, recvStats))

	// 14. a failed transfer must exit nonzero
	if err := errors.Join(senderErr, recvErr); err != nil {
		log.Fatalf("benchmark: %s", err.Error())
	}
}
