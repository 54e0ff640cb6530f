package wire

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/enodenetwork/enoded/src/crypto"
)

func testOutpoint(b byte, n uint32) OutPoint {
	var h Uint256
	for i := range h {
		h[i] = b
	}
	return OutPoint{Hash: h, N: n}
}

func TestPingHashLayout(t *testing.T) {
	ping := &Ping{
		Outpoint: testOutpoint(0x11, 0),
		SigTime:  1543503398,
	}

	// independent construction of the declared layout: outpoint then
	// sig_time, integers little-endian
	var buf bytes.Buffer
	buf.Write(ping.Outpoint.Hash[:])
	binary.Write(&buf, binary.LittleEndian, ping.Outpoint.N)
	binary.Write(&buf, binary.LittleEndian, ping.SigTime)

	var want Uint256
	copy(want[:], crypto.SHA256D(buf.Bytes()))

	if ping.Hash() != want {
		t.Fatalf("ping hash layout mismatch: got %s, want %s", ping.Hash(), want)
	}
}

func TestAnnounceHashIgnoresMutableFields(t *testing.T) {
	a := &Announce{
		Outpoint:        testOutpoint(0x22, 1),
		Addr:            "1.2.3.4:10101",
		CollateralPub:   []byte{2, 3},
		EnodePub:        []byte{4, 5},
		SigTime:         1000,
		ProtocolVersion: ProtocolVersion,
	}
	h1 := a.Hash()

	// the identity hash covers outpoint, collateral key and sig time only
	a.Addr = "5.6.7.8:10101"
	a.EnodePub = []byte{9, 9}
	a.LastPing = Ping{SigTime: 42}
	if a.Hash() != h1 {
		t.Fatal("announce hash should not depend on addr, enode key or ping")
	}

	a.SigTime = 1001
	if a.Hash() == h1 {
		t.Fatal("announce hash should depend on sig time")
	}
}

func TestVoteHashDistinct(t *testing.T) {
	v := &PaymentVote{
		VoterOutpoint: testOutpoint(0x33, 0),
		BlockHeight:   210,
		PayeeScript:   []byte{0x76, 0xa9},
	}
	h1 := v.Hash()

	v2 := *v
	v2.BlockHeight = 211
	if v2.Hash() == h1 {
		t.Fatal("votes for different heights should have different hashes")
	}

	v3 := *v
	v3.Sig = []byte{1}
	if v3.Hash() != h1 {
		t.Fatal("the signature is not part of the vote identity")
	}
}

func TestSignedStringForms(t *testing.T) {
	op := testOutpoint(0xab, 3)

	ping := &Ping{Outpoint: op, SigTime: 77}
	want := op.StringShort() + ZeroUint256.String() + "77"
	if ping.SignedString() != want {
		t.Fatalf("ping signed string: got %q, want %q", ping.SignedString(), want)
	}

	vote := &PaymentVote{VoterOutpoint: op, BlockHeight: 210, PayeeScript: []byte{0x76}}
	wantVote := op.StringShort() + "210" + "76"
	if vote.SignedString() != wantVote {
		t.Fatalf("vote signed string: got %q, want %q", vote.SignedString(), wantVote)
	}
}

func TestVerifyShapes(t *testing.T) {
	v := NewVerifyRequest("1.2.3.4:10101", 12345, 199)
	if !v.IsRequest() || v.IsReply() {
		t.Fatal("fresh verify should be a request")
	}

	v.Sig1 = []byte{1}
	if v.IsRequest() || !v.IsReply() {
		t.Fatal("verify with sig1 only should be a reply")
	}

	v.Sig2 = []byte{2}
	if v.IsRequest() || v.IsReply() {
		t.Fatal("verify with both sigs should be a broadcast")
	}

	var blockHash Uint256
	blockHash[0] = 0xaa
	s1 := v.SignedString1(blockHash)
	wantPrefix := "1.2.3.4:10101" + strconv.Itoa(12345)
	if s1[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("verify signed string 1: got %q", s1)
	}
	s2 := v.SignedString2(blockHash)
	if s2 != s1+v.Vin1.StringShort()+v.Vin2.StringShort() {
		t.Fatal("verify signed string 2 should extend signed string 1")
	}
}

func TestOutpointOrdering(t *testing.T) {
	a := testOutpoint(0x01, 0)
	b := testOutpoint(0x01, 1)
	c := testOutpoint(0x02, 0)

	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Fatal("outpoint ordering should be lexicographic by hash, then index")
	}
}

func TestCompactSizeEncoding(t *testing.T) {
	cases := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0}},
		{252, []byte{252}},
		{253, []byte{253, 253, 0}},
		{0xffff, []byte{253, 0xff, 0xff}},
		{0x10000, []byte{254, 0, 0, 1, 0}},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		PutCompactSize(&buf, c.n)
		if !bytes.Equal(buf.Bytes(), c.want) {
			t.Fatalf("compact size of %d: got %x, want %x", c.n, buf.Bytes(), c.want)
		}
	}
}

func TestNetAddrChecks(t *testing.T) {
	if !IsIPv4("8.8.8.8:10101") {
		t.Fatal("public ipv4 should be ipv4")
	}
	if IsIPv4("[2001:db8::1]:10101") {
		t.Fatal("ipv6 should not pass the ipv4 check")
	}
	if !IsLocalOrPrivate("192.168.1.10:10101") {
		t.Fatal("rfc1918 should be private")
	}
	if !IsLocalOrPrivate("127.0.0.1:10101") {
		t.Fatal("loopback should be local")
	}
	if IsLocalOrPrivate("8.8.8.8:10101") {
		t.Fatal("public address should not be local")
	}
	if AddrPort("8.8.8.8:10101") != 10101 {
		t.Fatal("port should parse")
	}
}
