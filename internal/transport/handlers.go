package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"

	"github.com/nacs-lab/molecube-go/internal/names"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
	"github.com/nacs-lab/molecube-go/internal/startup"
)

// serverConn holds the per-connection state dispatch needs: the raw
// conn (for the write mutex async notifiers also use) and a back
// reference to the shared Server.
type serverConn struct {
	*Server
	conn    net.Conn
	writeMu *sync.Mutex
}

func (c *serverConn) writeReply(verb Verb, payload []byte) {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(verb))
	buf = append(buf, payload...)
	c.writeMu.Lock()
	_ = writeFrame(c.conn, buf)
	c.writeMu.Unlock()
}

func (c *serverConn) writeError(msg string) {
	c.writeMu.Lock()
	_ = writeFrame(c.conn, append([]byte{byte(VerbError)}, msg...))
	c.writeMu.Unlock()
}

func (c *serverConn) dispatch(verb Verb, body []byte) {
	switch verb {
	case VerbPing:
		c.writeReply(VerbPing, body)
	case VerbGetVersion:
		c.writeReply(VerbGetVersion, []byte(c.version))
	case VerbStateID:
		c.handleStateID()
	case VerbRunSeq:
		c.handleRunSeq(false, body)
	case VerbRunCmdList:
		c.handleRunSeq(true, body)
	case VerbWaitSeq:
		c.handleWaitSeq(body)
	case VerbCancelSeq:
		c.handleCancelSeq(body)
	case VerbSetTTL:
		c.handleSetTTL(body)
	case VerbOverrideTTL:
		c.handleOverrideTTL(body)
	case VerbSetDDS:
		c.handleSetDDS(body, false)
	case VerbOverrideDDS:
		c.handleSetDDS(body, true)
	case VerbGetDDS:
		c.handleGetDDS(body, false)
	case VerbGetOverrideDDS:
		c.handleGetDDS(body, true)
	case VerbResetDDS:
		c.handleResetDDS(body)
	case VerbSetClock:
		c.handleSetClock(body)
	case VerbGetClock:
		c.handleGetClock()
	case VerbGetTTLNames:
		c.handleGetNames(true)
	case VerbSetTTLNames:
		c.handleSetNames(body, true)
	case VerbGetDDSNames:
		c.handleGetNames(false)
	case VerbSetDDSNames:
		c.handleSetNames(body, false)
	case VerbGetStartup:
		c.handleGetStartup()
	case VerbSetStartup:
		c.handleSetStartup(body)
	default:
		c.writeError("unknown verb")
	}
}

func (c *serverConn) handleStateID() {
	id := c.fe.GetStateID()
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], id)
	binary.LittleEndian.PutUint64(payload[8:16], c.serverID)
	c.writeReply(VerbStateID, payload)
}

// handleRunSeq decodes "u32 ver; u64 len_ns; u32 ttl_mask; bytes" and
// dispatches run_code. It does not itself reply — spec.md §6 sends the
// run_seq/run_cmdlist reply three times, asynchronously, as the
// sequence reaches start/flushed/end, via the connNotifier it
// registers here.
func (c *serverConn) handleRunSeq(isCmd bool, body []byte) {
	if len(body) < 16 {
		c.writeError("run_seq: short request")
		return
	}
	ver := binary.LittleEndian.Uint32(body[0:4])
	lenNs := binary.LittleEndian.Uint64(body[4:12])
	ttlMask := binary.LittleEndian.Uint32(body[12:16])
	code := append([]byte(nil), body[16:]...)

	verb := VerbRunSeq
	if isCmd {
		verb = VerbRunCmdList
	}
	notify := &connNotifier{
		writeMu:  c.writeMu,
		conn:     c.conn,
		log:      c.log,
		verb:     verb,
		serverID: c.serverID,
		fe:       c.fe,
		tracker:  c.seqs,
	}
	seqID := c.fe.RunCode(isCmd, ver, lenNs, ttlMask, code, notify)
	notify.SetSeqID(seqID)
	c.seqs.register(seqID)
}

func (c *serverConn) handleWaitSeq(body []byte) {
	if len(body) < 17 {
		c.writeError("wait_seq: short request")
		return
	}
	seqID := binary.LittleEndian.Uint64(body[0:8])
	what := body[16]
	cancelled := c.seqs.wait(seqID, what)
	reply := byte(0)
	if cancelled {
		reply = 1
	}
	c.writeReply(VerbWaitSeq, []byte{reply})
}

func (c *serverConn) handleCancelSeq(body []byte) {
	var id uint64
	if len(body) >= 8 {
		id = binary.LittleEndian.Uint64(body[0:8])
	}
	ok := c.fe.CancelSeq(id)
	reply := byte(0)
	if ok {
		reply = 1
	}
	c.writeReply(VerbCancelSeq, []byte{reply})
}

func (c *serverConn) handleSetTTL(body []byte) {
	if len(body) < 8 {
		c.writeError("set_ttl: short request")
		return
	}
	clear := binary.LittleEndian.Uint32(body[0:4])
	set := binary.LittleEndian.Uint32(body[4:8])
	c.fe.SetTTL(clear|set, set)
	c.fe.GetTTL(func(v uint32) {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, v)
		c.writeReply(VerbSetTTL, payload)
	})
}

// handleOverrideTTL implements the wire-level "override_ttl" verb,
// which names hi/lo/norm as absolute masks rather than the
// FrontendInterface's incremental (mask, mode) contract: every bit
// named in hi or lo is forced to that mode, every other bit's
// override is turned off, matching "these three masks are now the
// whole override state" rather than "merge these bits in".
func (c *serverConn) handleOverrideTTL(body []byte) {
	if len(body) < 12 {
		c.writeError("override_ttl: short request")
		return
	}
	hi := binary.LittleEndian.Uint32(body[0:4])
	lo := binary.LittleEndian.Uint32(body[4:8])
	norm := binary.LittleEndian.Uint32(body[8:12])
	c.fe.SetTTLOvr(^(hi | lo) & ^uint32(0), queue.TTLOvrOff)
	c.fe.SetTTLOvr(hi&norm, queue.TTLOvrHigh)
	c.fe.SetTTLOvr(lo&norm, queue.TTLOvrLow)

	var gotLo, gotHi uint32
	var have int
	var mu sync.Mutex
	done := func() {
		mu.Lock()
		have++
		ready := have == 2
		mu.Unlock()
		if ready {
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint32(payload[0:4], gotLo)
			binary.LittleEndian.PutUint32(payload[4:8], gotHi)
			c.writeReply(VerbOverrideTTL, payload)
		}
	}
	c.fe.GetTTLOvrLo(func(v uint32) { mu.Lock(); gotLo = v; mu.Unlock(); done() })
	c.fe.GetTTLOvrHi(func(v uint32) { mu.Lock(); gotHi = v; mu.Unlock(); done() })
}

func ddsParamFromTyp(typ uint8) queue.DDSParam {
	switch typ {
	case 1:
		return queue.DDSAmp
	case 2:
		return queue.DDSPhase
	default:
		return queue.DDSFreq
	}
}

func typFromDDSParam(p queue.DDSParam) uint8 {
	switch p {
	case queue.DDSAmp:
		return 1
	case queue.DDSPhase:
		return 2
	default:
		return 0
	}
}

// decodeChanTyp unpacks a (chn, typ) byte and reports whether it names
// a real channel and parameter — chn < pulser.NDDS and typ < 3, per
// spec.md §6 and §7 ("channel out of range -> single-byte error
// reply; never enqueued").
func decodeChanTyp(b byte) (chn int, param queue.DDSParam, ok bool) {
	chn = int(b & 0x3f)
	typ := b >> 6
	return chn, ddsParamFromTyp(typ), chn < pulser.NDDS && typ < 3
}

// handleSetDDS decodes a packed sequence of (u8 chn&typ, u32 val)
// entries and applies each via set_dds or, if ovr is set, set_dds_ovr.
func (c *serverConn) handleSetDDS(body []byte, ovr bool) {
	const entryLen = 5
	if len(body)%entryLen != 0 {
		c.writeError("set_dds: malformed entry list")
		return
	}
	for off := 0; off < len(body); off += entryLen {
		chn, param, ok := decodeChanTyp(body[off])
		if !ok {
			c.writeError("set_dds: channel out of range")
			return
		}
		val := binary.LittleEndian.Uint32(body[off+1 : off+5])
		if ovr {
			c.fe.SetDDSOvr(param, chn, val)
		} else {
			c.fe.SetDDS(param, chn, val)
		}
	}
	verb := VerbSetDDS
	if ovr {
		verb = VerbOverrideDDS
	}
	c.writeReply(verb, []byte{1})
}

// handleGetDDS decodes an optional channel&typ list; an empty body
// means "every channel, every parameter" using the active-DDS list.
func (c *serverConn) handleGetDDS(body []byte, ovr bool) {
	type req struct {
		chn   int
		param queue.DDSParam
	}
	var reqs []req
	if len(body) == 0 {
		for _, chn := range c.fe.GetActiveDDS() {
			for _, p := range [...]queue.DDSParam{queue.DDSFreq, queue.DDSAmp, queue.DDSPhase} {
				reqs = append(reqs, req{chn, p})
			}
		}
	} else {
		for _, b := range body {
			chn, param, ok := decodeChanTyp(b)
			if !ok {
				c.writeError("get_dds: channel out of range")
				return
			}
			reqs = append(reqs, req{chn, param})
		}
	}

	verb := VerbGetDDS
	if ovr {
		verb = VerbGetOverrideDDS
	}
	if len(reqs) == 0 {
		c.writeReply(verb, nil)
		return
	}

	results := make([]uint32, len(reqs))
	var mu sync.Mutex
	remaining := len(reqs)
	flush := func() {
		mu.Lock()
		remaining--
		done := remaining == 0
		mu.Unlock()
		if !done {
			return
		}
		payload := make([]byte, 0, len(reqs)*5)
		for i, r := range reqs {
			payload = append(payload, (typFromDDSParam(r.param)<<6)|byte(r.chn))
			var vbuf [4]byte
			binary.LittleEndian.PutUint32(vbuf[:], results[i])
			payload = append(payload, vbuf[:]...)
		}
		c.writeReply(verb, payload)
	}
	for i, r := range reqs {
		i, r := i, r
		cb := func(v uint32) {
			mu.Lock()
			results[i] = v
			mu.Unlock()
			flush()
		}
		if ovr {
			c.fe.GetDDSOvr(r.param, r.chn, cb)
		} else {
			c.fe.GetDDS(r.param, r.chn, cb)
		}
	}
}

func (c *serverConn) handleResetDDS(body []byte) {
	if len(body) < 1 {
		c.writeError("reset_dds: short request")
		return
	}
	chn := int(body[0])
	if chn >= pulser.NDDS {
		c.writeError("reset_dds: channel out of range")
		return
	}
	c.fe.ResetDDS(chn)
	c.writeReply(VerbResetDDS, []byte{1})
}

func (c *serverConn) handleSetClock(body []byte) {
	if len(body) < 1 {
		c.writeError("set_clock: short request")
		return
	}
	c.fe.SetClock(body[0])
	c.writeReply(VerbSetClock, []byte{1})
}

func (c *serverConn) handleGetClock() {
	c.fe.GetClock(func(v uint32) {
		c.writeReply(VerbGetClock, []byte{byte(v)})
	})
}

func (c *serverConn) handleGetNames(ttl bool) {
	c.namesMu.Lock()
	tbl := c.ddsNames
	if ttl {
		tbl = c.ttlNames
	}
	snapshot := append(names.Table(nil), tbl...)
	c.namesMu.Unlock()

	var buf bytes.Buffer
	for chn, name := range snapshot {
		if name == "" {
			continue
		}
		buf.WriteByte(byte(chn))
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	verb := VerbGetDDSNames
	if ttl {
		verb = VerbGetTTLNames
	}
	c.writeReply(verb, buf.Bytes())
}

func (c *serverConn) handleSetNames(body []byte, ttl bool) {
	off := 0
	updates := map[int]string{}
	for off < len(body) {
		chn := int(body[off])
		off++
		end := bytes.IndexByte(body[off:], 0)
		if end < 0 {
			c.writeError("set_names: missing NUL terminator")
			return
		}
		updates[chn] = string(body[off : off+end])
		off += end + 1
	}

	c.namesMu.Lock()
	tbl := &c.ddsNames
	path := c.ddsNamesPath()
	if ttl {
		tbl = &c.ttlNames
		path = c.ttlNamesPath()
	}
	for chn, name := range updates {
		if err := tbl.Set(chn, name); err != nil {
			c.namesMu.Unlock()
			c.writeError(err.Error())
			return
		}
	}
	err := names.Save(path, *tbl)
	c.namesMu.Unlock()

	if err != nil {
		c.writeError(err.Error())
		return
	}
	verb := VerbSetDDSNames
	if ttl {
		verb = VerbSetTTLNames
	}
	c.writeReply(verb, []byte{1})
}

// handleGetStartup and handleSetStartup treat "source" as the opaque
// CmdList bytes run at boot — there is no human-readable compiler in
// this repository's scope, so the wire payload is the raw command-list
// bytes rather than a textual program. The frame itself already
// carries the length, so unlike the NUL-terminated name lists these
// bodies are used whole: a command-list byte stream can legitimately
// contain 0x00.
func (c *serverConn) handleGetStartup() {
	c.startupMu.Lock()
	seq := c.startupSeq
	c.startupMu.Unlock()
	if seq == nil {
		c.writeReply(VerbGetStartup, nil)
		return
	}
	payload := make([]byte, 12+len(seq.Code))
	binary.LittleEndian.PutUint64(payload[0:8], seq.LenNs)
	binary.LittleEndian.PutUint32(payload[8:12], seq.TTLMask)
	copy(payload[12:], seq.Code)
	c.writeReply(VerbGetStartup, payload)
}

func (c *serverConn) handleSetStartup(body []byte) {
	if len(body) < 12 {
		c.writeError("set_startup: short request")
		return
	}
	lenNs := binary.LittleEndian.Uint64(body[0:8])
	ttlMask := binary.LittleEndian.Uint32(body[8:12])
	code := append([]byte(nil), body[12:]...)

	seq := &startup.Sequence{LenNs: lenNs, TTLMask: ttlMask, Code: code}
	c.startupMu.Lock()
	err := startup.Save(c.startupPath(), seq)
	if err == nil {
		c.startupSeq = seq
	}
	c.startupMu.Unlock()

	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeReply(VerbSetStartup, []byte{1})
}
