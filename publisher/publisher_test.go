package publisher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow.evalgo.org/codec"
	"tokenflow.evalgo.org/ruleengine"
	"tokenflow.evalgo.org/token"
)

func TestChannelPortFormula(t *testing.T) {
	assert.Equal(t, 10_000+2*1_000+96, channelPort(2, 96))
}

func TestPublishSendsSingleDatagram(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	resolver := NewStaticResolver()

	pub, err := New(DefaultConfig(), resolver, codec.New(codec.DefaultConfig()))
	require.NoError(t, err)
	defer pub.Close()

	localPort := listener.LocalAddr().(*net.UDPAddr).Port
	channelIdx := (localPort - TokenListenerPortBase) / ChannelPortStep
	resolver.Register("ch1", net.IPv4(127, 0, 0, 1), (localPort-TokenListenerPortBase)%ChannelPortStep)

	tok := &token.Envelope{SequenceID: 1_010_000, RuleBaseVersion: "v001", ServiceName: "pricing", OperationName: "quote", Payload: map[string]interface{}{"x": 1.0}}
	target := ruleengine.Target{Service: "pricing", Operation: "quote", Channel: "ch1", Port: channelIdx}

	require.NoError(t, pub.Publish(context.Background(), tok, target))

	buf := make([]byte, 4096)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
