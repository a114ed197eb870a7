package decode

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
}

func (r *recorder) TTL1(chn int, val bool, dt uint32) {
	r.calls = append(r.calls, fmt.Sprintf("ttl1 chn=%d val=%v dt=%d", chn, val, dt))
}
func (r *recorder) TTL(word uint32, dt uint32) {
	r.calls = append(r.calls, fmt.Sprintf("ttl word=%d dt=%d", word, dt))
}
func (r *recorder) DDSFreq(chn int, ftw uint32) {
	r.calls = append(r.calls, fmt.Sprintf("freq chn=%d ftw=%d", chn, ftw))
}
func (r *recorder) DDSAmp(chn int, amp uint16) {
	r.calls = append(r.calls, fmt.Sprintf("amp chn=%d amp=%d", chn, amp))
}
func (r *recorder) DDSPhase(chn int, phase uint16) {
	r.calls = append(r.calls, fmt.Sprintf("phase chn=%d phase=%d", chn, phase))
}
func (r *recorder) DDSDetPhase(chn int, delta uint16) {
	r.calls = append(r.calls, fmt.Sprintf("detphase chn=%d delta=%d", chn, delta))
}
func (r *recorder) DDSReset(chn int) {
	r.calls = append(r.calls, fmt.Sprintf("reset chn=%d", chn))
}
func (r *recorder) DAC(chn uint8, v uint16) {
	r.calls = append(r.calls, fmt.Sprintf("dac chn=%d v=%d", chn, v))
}
func (r *recorder) Clock(div uint8) {
	r.calls = append(r.calls, fmt.Sprintf("clock div=%d", div))
}
func (r *recorder) Wait(dt uint32) {
	r.calls = append(r.calls, fmt.Sprintf("wait dt=%d", dt))
}

func TestCmdListDecodesBasicProgram(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(OpTTL1), 3, 1, 0, 0, 0, 0) // chn 3, val true, dt 0
	wait := make([]byte, 4)
	binary.LittleEndian.PutUint32(wait, 2000)
	buf = append(buf, byte(OpWait))
	buf = append(buf, wait...)
	buf = append(buf, byte(OpEnd))

	rec := &recorder{}
	require.NoError(t, CmdList{}.Run(buf, rec))
	require.Equal(t, []string{
		"ttl1 chn=3 val=true dt=0",
		"wait dt=2000",
	}, rec.calls)
}

func TestCmdListTruncatedOperandErrors(t *testing.T) {
	buf := []byte{byte(OpTTL1), 1, 1}
	rec := &recorder{}
	err := CmdList{}.Run(buf, rec)
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestByteCodeRoundTrip(t *testing.T) {
	var buf []byte
	buf = appendUvarint(buf, 500) // leading wait
	buf = append(buf, byte(OpDDSFreq))
	buf = appendUvarint(buf, 4)
	buf = appendUvarint(buf, 123456)
	buf = appendUvarint(buf, 0)
	buf = append(buf, byte(OpEnd))

	rec := &recorder{}
	require.NoError(t, ByteCode{}.Run(buf, rec))
	require.Equal(t, []string{
		"wait dt=500",
		"freq chn=4 ftw=123456",
	}, rec.calls)
}

func TestByteCodeUnknownOpcode(t *testing.T) {
	var buf []byte
	buf = appendUvarint(buf, 0)
	buf = append(buf, 0x7f)
	rec := &recorder{}
	err := ByteCode{}.Run(buf, rec)
	require.Error(t, err)
}

func appendUvarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(buf, tmp[:n]...)
}
