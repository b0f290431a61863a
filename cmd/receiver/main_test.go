// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/urp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_main receives a small transfer from a sender running in-process
// across a mildly faulty emulated channel.
func Test_main(t *testing.T) {
	// run the peer sender in the background
	tmp := t.TempDir()
	content := bytes.Repeat([]byte("abcdefghij"), 300)

	pc, err := net.ListenPacket("udp", "127.0.0.1:42011")
	require.NoError(t, err)
	raddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:42012")
	require.NoError(t, err)
	link := urp.NewLink(pc, raddr, urp.DirForward)
	defer link.Close()

	sender, err := urp.NewSender(urp.SenderConfig{
		Input:     bytes.NewReader(content),
		InputSize: int64(len(content)),
		Link:      link,
		MaxWindow: 2000,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		_, err := sender.Run(ctx)
		assert.NoError(t, err)
	})

	// run the receiver command against the peer, emulating the faulty
	// channel at this end of the wire
	outFile := filepath.Join(tmp, "output.bin")
	args = []string{
		"receiver",
		"-fcp", "0.02",
		"-flp", "0.02",
		"-linger", "1s",
		"-local-port", "42012",
		"-log-file", filepath.Join(tmp, "receiver_log.txt"),
		"-output", outFile,
		"-rcp", "0.02",
		"-remote-port", "42011",
		"-rlp", "0.02",
		"-seed", "7",
	}
	summary := &bytes.Buffer{}
	output = summary
	main()
	wg.Wait()

	// the output file must contain the whole transfer
	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, data))

	// the summary and the run log must exist
	assert.Contains(t, summary.String(), "Original data bytes received:")
	logData, err := os.ReadFile(filepath.Join(tmp, "receiver_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "SYN")
}
