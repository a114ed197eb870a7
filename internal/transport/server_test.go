package transport

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nacs-lab/molecube-go/internal/controller"
	"github.com/nacs-lab/molecube-go/internal/names"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
	"github.com/nacs-lab/molecube-go/internal/runner"
)

// newTestServer wires a real Frontend/Core/Sim behind a loopback TCP
// listener, mirroring cmd/molecubed's production wiring closely enough
// that the verb handlers exercise the same path a real client would.
func newTestServer(t *testing.T) (net.Conn, *pulser.Sim) {
	t.Helper()
	sim := pulser.NewSim()
	fwake, err := queue.NewFrontendWake()
	require.NoError(t, err)
	t.Cleanup(func() { _ = fwake.Close() })

	core := controller.New(sim, zerolog.Nop(), runner.Config{TMin: 10 * time.Millisecond, IdleSleep: time.Millisecond}, fwake)
	fe := controller.NewFrontend(core)
	go core.Worker()
	t.Cleanup(core.Quit)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ttl := make(names.Table, names.NTTL)
	dds := make(names.Table, pulser.NDDS)
	srv := New(fe, ln, 42, "test-version", t.TempDir(), ttl, dds, nil, zerolog.Nop())
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, sim
}

func sendFrame(t *testing.T, conn net.Conn, verb Verb, payload []byte) {
	t.Helper()
	buf := append([]byte{byte(verb)}, payload...)
	require.NoError(t, writeFrame(conn, buf))
}

func recvFrame(t *testing.T, conn net.Conn) (Verb, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := readFrame(conn)
	require.NoError(t, err)
	require.NotEmpty(t, body)
	return Verb(body[0]), body[1:]
}

func TestPingEchoesPayload(t *testing.T) {
	conn, _ := newTestServer(t)
	sendFrame(t, conn, VerbPing, []byte("hello"))
	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbPing, verb)
	require.Equal(t, []byte("hello"), payload)
}

func TestGetVersionReturnsConfiguredString(t *testing.T) {
	conn, _ := newTestServer(t)
	sendFrame(t, conn, VerbGetVersion, nil)
	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbGetVersion, verb)
	require.Equal(t, "test-version", string(payload))
}

func TestSetTTLRepliesWithNewWord(t *testing.T) {
	conn, _ := newTestServer(t)

	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 0b1111)
	binary.LittleEndian.PutUint32(body[4:8], 0b0101)
	sendFrame(t, conn, VerbSetTTL, body)

	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbSetTTL, verb)
	require.Len(t, payload, 4)
	require.Equal(t, uint32(0b0101), binary.LittleEndian.Uint32(payload))
}

func TestSetDDSThenGetDDSRoundTrip(t *testing.T) {
	conn, _ := newTestServer(t)

	setBody := []byte{3, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(setBody[1:5], 12345)
	sendFrame(t, conn, VerbSetDDS, setBody)
	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbSetDDS, verb)
	require.Equal(t, []byte{1}, payload)

	sendFrame(t, conn, VerbGetDDS, []byte{3})
	verb, payload = recvFrame(t, conn)
	require.Equal(t, VerbGetDDS, verb)
	require.Len(t, payload, 5)
	require.Equal(t, byte(3), payload[0])
	require.Equal(t, uint32(12345), binary.LittleEndian.Uint32(payload[1:5]))
}

func TestRunCmdListPushesStartFlushedEnd(t *testing.T) {
	conn, sim := newTestServer(t)

	code := []byte{
		0x01, 0, 1, 0, 0, 0, 0, // OpTTL1: chn 0, val 1, dt 0
		0xff, // OpEnd
	}
	body := make([]byte, 16+len(code))
	binary.LittleEndian.PutUint32(body[0:4], 1)
	binary.LittleEndian.PutUint64(body[4:12], 500_000_000)
	binary.LittleEndian.PutUint32(body[12:16], 0xffffffff)
	copy(body[16:], code)
	sendFrame(t, conn, VerbRunCmdList, body)

	var seqID uint64
	seenStart, seenFlushed, seenEnd := false, false, false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !seenEnd {
		verb, payload := recvFrame(t, conn)
		require.Equal(t, VerbRunCmdList, verb)
		require.True(t, len(payload) >= 18)
		kind := SeqEventKind(payload[0])
		seqID = binary.LittleEndian.Uint64(payload[1:9])
		switch kind {
		case SeqEventStart:
			seenStart = true
		case SeqEventFlushed:
			seenFlushed = true
		case SeqEventEnd:
			seenEnd = true
		}
	}
	require.True(t, seenStart)
	require.True(t, seenFlushed)
	require.True(t, seenEnd)
	require.NotZero(t, seqID)
	require.NotZero(t, sim.CurTTL()&1)
}

func TestUnknownVerbRepliesWithError(t *testing.T) {
	conn, _ := newTestServer(t)
	sendFrame(t, conn, Verb(0x7f), nil)
	verb, _ := recvFrame(t, conn)
	require.Equal(t, VerbError, verb)
}

func TestEmptyFrameRepliesWithError(t *testing.T) {
	conn, _ := newTestServer(t)
	require.NoError(t, writeFrame(conn, nil))
	verb, _ := recvFrame(t, conn)
	require.Equal(t, VerbError, verb)
}

func TestSetTTLNamesThenGetTTLNamesRoundTrip(t *testing.T) {
	conn, _ := newTestServer(t)

	body := append([]byte{5}, []byte("shutter\x00")...)
	sendFrame(t, conn, VerbSetTTLNames, body)
	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbSetTTLNames, verb)
	require.Equal(t, []byte{1}, payload)

	sendFrame(t, conn, VerbGetTTLNames, nil)
	verb, payload = recvFrame(t, conn)
	require.Equal(t, VerbGetTTLNames, verb)
	require.Equal(t, append([]byte{5}, []byte("shutter\x00")...), payload)
}

func TestSetStartupThenGetStartupRoundTrip(t *testing.T) {
	conn, _ := newTestServer(t)

	code := []byte{0xff}
	body := make([]byte, 12+len(code))
	binary.LittleEndian.PutUint64(body[0:8], 1000)
	binary.LittleEndian.PutUint32(body[8:12], 0x1)
	copy(body[12:], code)
	sendFrame(t, conn, VerbSetStartup, body)
	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbSetStartup, verb)
	require.Equal(t, []byte{1}, payload)

	sendFrame(t, conn, VerbGetStartup, nil)
	verb, payload = recvFrame(t, conn)
	require.Equal(t, VerbGetStartup, verb)
	require.Equal(t, body, payload)
}

func TestCancelSeqRepliesEvenWhenTooLate(t *testing.T) {
	conn, _ := newTestServer(t)

	code := []byte{0x00, 0xff} // dt=0 varint, then OpEnd — ByteCode format
	body := make([]byte, 16+len(code))
	binary.LittleEndian.PutUint32(body[0:4], 1)
	binary.LittleEndian.PutUint64(body[4:12], 1)
	binary.LittleEndian.PutUint32(body[12:16], 0xffffffff)
	copy(body[16:], code)
	sendFrame(t, conn, VerbRunSeq, body)

	verb, payload := recvFrame(t, conn)
	require.Equal(t, VerbRunSeq, verb)
	require.Equal(t, SeqEventKind(payload[0]), SeqEventStart)
	seqID := binary.LittleEndian.Uint64(payload[1:9])

	// The sequence has already left SeqInit by the time its Start push
	// reaches the client, so this exercises the "nothing to cancel"
	// reply path rather than an actual cancellation.
	cancelBody := make([]byte, 8)
	binary.LittleEndian.PutUint64(cancelBody, seqID)
	sendFrame(t, conn, VerbCancelSeq, cancelBody)
	// The sequence's Flushed/End pushes may still reach the client ahead
	// of the cancel reply on this connection.
	verb, _ = recvFrame(t, conn)
	for verb == VerbRunSeq {
		verb, _ = recvFrame(t, conn)
	}
	require.Equal(t, VerbCancelSeq, verb)
}
