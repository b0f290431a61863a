// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/urp"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the summary output (overridable in tests).
	output io.Writer = os.Stdout
)

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("sender", flag.ExitOnError)

	// 2. add flags to parse
	var (
		fcp        = fset.Float64("fcp", 0, "Probability of corrupting a forward segment.")
		flp        = fset.Float64("flp", 0, "Probability of dropping a forward segment.")
		input      = fset.String("input", "", "File to transfer.")
		localPort  = fset.Int("local-port", 0, "UDP port to bind locally.")
		logFile    = fset.String("log-file", "sender_log.txt", "Write the run log at the given file.")
		maxRetries = fset.Int("max-retries", urp.DefaultMaxRetries, "Consecutive unanswered retransmissions tolerated.")
		maxWin     = fset.Int("max-win", urp.DefaultMSS, "Maximum unacknowledged bytes in flight.")
		mss        = fset.Int("mss", urp.DefaultMSS, "Maximum payload bytes per segment.")
		pcapFile   = fset.String("pcap-file", "", "Write a PCAP capture at the given file.")
		rcp        = fset.Float64("rcp", 0, "Probability of corrupting a reverse segment.")
		remoteAddr = fset.String("remote-addr", "127.0.0.1", "Receiver IP address.")
		remotePort = fset.Int("remote-port", 0, "Receiver UDP port.")
		rlp        = fset.Float64("rlp", 0, "Probability of dropping a reverse segment.")
		rto        = fset.Duration("rto", urp.DefaultRTO, "Retransmission timeout.")
		seed       = fset.Uint64("seed", 0, "Fault emulator seed (0 picks a random one).")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. arrange for ^C to cancel the transfer
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// 5. open the input file and find its size
	filep := runtimex.PanicOnError1(os.Open(*input))
	defer filep.Close()
	fstat := runtimex.PanicOnError1(filep.Stat())

	// 6. bind the local UDP socket and resolve the receiver
	pc := runtimex.PanicOnError1(net.ListenPacket("udp", ":"+strconv.Itoa(*localPort)))
	defer pc.Close()
	raddr := runtimex.PanicOnError1(net.ResolveUDPAddr(
		"udp", net.JoinHostPort(*remoteAddr, strconv.Itoa(*remotePort))))

	// 7. create the emulated-channel fault policy
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

	// 8. optionally open the packet capture
	var trace *urp.PCAPTrace
	if *pcapFile != "" {
		capfile := runtimex.PanicOnError1(os.Create(*pcapFile))
		trace = urp.NewPCAPTrace(capfile,
			urp.PCAPTraceOptionFlow(uint16(*localPort), uint16(*remotePort)))
		options = append(options, urp.LinkOptionPCAPTrace(trace))
	}

	// 9. create the link and the run log
	link := urp.NewLink(pc, raddr, urp.DirForward, options...)
	logp := runtimex.PanicOnError1(os.Create(*logFile))

	// 10. create and run the sender
	sender := runtimex.PanicOnError1(urp.NewSender(urp.SenderConfig{
		Input:      filep,
		InputSize:  fstat.Size(),
		Link:       link,
		MaxWindow:  *maxWin,
		MSS:        *mss,
		RTO:        *rto,
		MaxRetries: *maxRetries,
		Trace:      urp.NewRunLog(logp),
	}))
	stats, err := sender.Run(ctx)

	// 11. append the summary to the log and echo it to the output
	runtimex.PanicOnError1(fmt.Fprintf(logp, "\n"))
	runtimex.PanicOnError0(urp.WriteSenderSummary(io.MultiWriter(logp, output), stats))

	// 12. flush the artifacts before judging the outcome
	runtimex.PanicOnError0(logp.Close())
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
	}

	// 13. a failed transfer must exit nonzero
	if err != nil {
		log.Fatalf("sender: %s", err.Error())
	}
}
