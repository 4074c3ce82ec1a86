package rulehandler

import (
	"context"
	"encoding/xml"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/rulestore"
)

const sampleRule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard></guard>
  <routes><target service="fulfillment" operation="ship" channel="ch1" port="0"/></routes>
</ControlNodeRules>`

func openTestStore(t *testing.T) *rulestore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := rulestore.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHandlePacketStagesAndCommitsAndAcks(t *testing.T) {
	store := openTestStore(t)
	h := New(Config{Remote: false, ChannelIndex: 0, BasePort: 1}, store, nil, nil, nil)

	install := wireRuleInstall{
		Header: wireHeader{
			RuleBaseVersion:    "v001",
			RuleBaseCommitment: true,
		},
		TargetService: wireTargetService{ServiceName: "pricing", OperationName: "quote"},
		RuleFileData:  wireRuleFileData{Data: sampleRule},
	}
	data, err := xml.Marshal(install)
	require.NoError(t, err)

	ackListener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: LocalACKPort})
	require.NoError(t, err)
	defer ackListener.Close()

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	h.handlePacket(context.Background(), sock, data, from)

	assert.True(t, store.IsCommitted("v001"))
	_, ok := store.Lookup("v001", "quote", "pricing")
	assert.True(t, ok)

	ackListener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := ackListener.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED:v001:1", string(buf[:n]))
}

func TestHandlePacketStageWithoutCommitmentSendsNoAck(t *testing.T) {
	store := openTestStore(t)
	h := New(Config{Remote: false}, store, nil, nil, nil)

	install := wireRuleInstall{
		Header:        wireHeader{RuleBaseVersion: "v002", RuleBaseCommitment: false},
		TargetService: wireTargetService{ServiceName: "pricing", OperationName: "quote"},
		RuleFileData:  wireRuleFileData{Data: sampleRule},
	}
	data, err := xml.Marshal(install)
	require.NoError(t, err)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	h.handlePacket(context.Background(), sock, data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})

	assert.False(t, store.IsCommitted("v002"))
	_, ok := store.Lookup("v002", "quote", "pricing")
	assert.False(t, ok, "uncommitted bundle must not be visible to readers")
}

func TestHandlePacketMalformedXMLIsDropped(t *testing.T) {
	store := openTestStore(t)
	h := New(Config{}, store, nil, nil, nil)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	h.handlePacket(context.Background(), sock, []byte("not xml at all"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.False(t, store.IsCommitted("v001"))
}

func TestRemoteModeRejectsWithoutVerifier(t *testing.T) {
	store := openTestStore(t)
	h := New(Config{Remote: true}, store, nil, nil, nil)

	install := wireRuleInstall{
		Header:        wireHeader{RuleBaseVersion: "v003", RuleBaseCommitment: true, AuthToken: "whatever"},
		TargetService: wireTargetService{ServiceName: "pricing", OperationName: "quote"},
		RuleFileData:  wireRuleFileData{Data: sampleRule},
	}
	data, err := xml.Marshal(install)
	require.NoError(t, err)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	h.handlePacket(context.Background(), sock, data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.False(t, store.IsCommitted("v003"), "remote mode with no verifier must reject, not trust")
}

func TestParseVersionNumber(t *testing.T) {
	n, err := parseVersionNumber("v007")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = parseVersionNumber("not-a-version")
	assert.Error(t, err)
}

func TestListenPortFormula(t *testing.T) {
	h := &Handler{cfg: Config{ChannelIndex: 3, BasePort: 50}}
	assert.Equal(t, RuleListenerPortBase+3*1_000+50, h.listenPort())
}
