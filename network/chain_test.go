package network

import (
	"testing"

	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestAddChainRejectsDuplicateGenesisForkPair(t *testing.T) {
	cn := newTestNetwork(t)

	genesis := [32]byte{0x11}
	first, err := cn.AddChain(ChainConfig{GenesisHash: genesis})
	require.NoError(t, err)
	require.Equal(t, ChainId(0), first)

	_, err = cn.AddChain(ChainConfig{GenesisHash: genesis})
	var dup *DuplicateChainError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, ChainId(0), dup.Existing)

	// A different fork id over the same genesis is a distinct chain.
	fork := "experimental"
	second, err := cn.AddChain(ChainConfig{GenesisHash: genesis, ForkId: &fork})
	require.NoError(t, err)
	require.Equal(t, ChainId(1), second)

	_, err = cn.AddChain(ChainConfig{GenesisHash: genesis, ForkId: &fork})
	require.ErrorAs(t, err, &dup)
	require.Equal(t, ChainId(1), dup.Existing)
}

func TestProtocolNameFormat(t *testing.T) {
	cn := newTestNetwork(t)
	genesis := [32]byte{0xab, 0xcd}
	fork := "fk"
	plain, err := cn.AddChain(ChainConfig{GenesisHash: genesis})
	require.NoError(t, err)
	forked, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{0x01}, ForkId: &fork})
	require.NoError(t, err)

	cn.mu.Lock()
	defer cn.mu.Unlock()

	name, err := cn.protocolName(Protocol{Kind: ProtoChainBlockAnnounces, ChainIndex: plain})
	require.NoError(t, err)
	require.Equal(t, "/"+hexEncode(genesis[:])+"/block-announces/1", name)

	name, err = cn.protocolName(Protocol{Kind: ProtoChainSyncWarp, ChainIndex: forked})
	require.NoError(t, err)
	g := [32]byte{0x01}
	require.Equal(t, "/"+hexEncode(g[:])+"/fk/sync/warp", name)

	// identify and ping stay unqualified.
	name, err = cn.protocolName(Protocol{Kind: ProtoIdentify})
	require.NoError(t, err)
	require.Equal(t, "identify", name)
	name, err = cn.protocolName(Protocol{Kind: ProtoPing})
	require.NoError(t, err)
	require.Equal(t, "ping", name)

	_, err = cn.protocolName(Protocol{Kind: ProtoChainSync, ChainIndex: ChainId(99)})
	require.ErrorIs(t, err, ErrUnknownChain)
}

func TestSetChainLocalBestBlockFlowsIntoHandshake(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{5}, BestNumber: 10})
	require.NoError(t, err)

	newBest := [32]byte{0xbb}
	require.NoError(t, cn.SetChainLocalBestBlock(chain, newBest, 42))

	cn.mu.Lock()
	hs, err := cn.encodeBlockAnnouncesHandshake(chain)
	cn.mu.Unlock()
	require.NoError(t, err)

	_, _, bestNumber, bestHash, err := decodeBlockAnnouncesHandshake(hs)
	require.NoError(t, err)
	require.Equal(t, uint64(42), bestNumber)
	require.Equal(t, newBest, bestHash)

	require.ErrorIs(t, cn.SetChainLocalBestBlock(ChainId(77), newBest, 1), ErrUnknownChain)
}

func TestValidateDialAddressMatrix(t *testing.T) {
	accepted := []string{
		"/ip4/1.2.3.4/tcp/30333",
		"/ip6/::1/tcp/30333",
		"/ip4/1.2.3.4/tcp/30333/ws",
		"/ip6/::1/tcp/30333/ws",
		"/dns/node.example.com/tcp/30333",
		"/dns4/node.example.com/tcp/30333/ws",
		"/dns6/node.example.com/tcp/30333",
	}
	for _, s := range accepted {
		_, err := NewAddress(s)
		require.NoError(t, err, s)
	}

	rejected := []string{
		"/ip4/1.2.3.4",
		"/ip4/1.2.3.4/udp/30333",
		"/ip4/1.2.3.4/tcp/30333/wss",
		"/unix/tmp/sock",
		"/ip4/1.2.3.4/tcp/30333/p2p-circuit",
	}
	for _, s := range rejected {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue // not even parseable: rejected before validation
		}
		require.ErrorIs(t, ValidateDialAddress(ma), ErrUnsupportedAddress, s)
	}
}
