package syncservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	calls       int
	failUntil   int
	oversizeFor map[PeerId]int // peer -> number of oversize refusals before success
	err         error
}

func (f *fakeTransport) SendCallProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, fn string, params []byte, maxNodes int) ([]byte, error) {
	return f.send(peer, maxNodes)
}

func (f *fakeTransport) SendStorageProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, keys [][]byte, maxNodes int) ([]byte, error) {
	return f.send(peer, maxNodes)
}

func (f *fakeTransport) send(peer PeerId, maxNodes int) ([]byte, error) {
	f.calls++
	if f.oversizeFor[peer] > 0 {
		f.oversizeFor[peer]--
		return nil, ErrOversizeResponse
	}
	if f.calls <= f.failUntil {
		return nil, f.err
	}
	return []byte("proof"), nil
}

type fakeVerifier struct {
	fail bool
}

func (v *fakeVerifier) DecodeAndVerifyProof(proof []byte, rootHash Hash) (ProofEntries, error) {
	if v.fail {
		return ProofEntries{}, assertError
	}
	return ProofEntries{Values: map[string][]byte{"ok": proof}}, nil
}

var assertError = errString("bad proof")

type errString string

func (e errString) Error() string { return string(e) }

func TestCallProofQueryRotatesPeersOnNetworkError(t *testing.T) {
	transport := &fakeTransport{failUntil: 1, err: errString("network down")}
	verifier := &fakeVerifier{}
	peers := []PeerId{"p1", "p2"}

	entries, err := CallProofQuery(context.Background(), transport, verifier, ChainId(1), hashOf(1), hashOf(2), "fn", nil, peers)
	require.NoError(t, err)
	require.Equal(t, []byte("proof"), entries.Values["ok"])
	require.Equal(t, 2, transport.calls)
}

func TestCallProofQueryHalvesCapOnOversize(t *testing.T) {
	transport := &fakeTransport{oversizeFor: map[PeerId]int{"p1": 2}}
	verifier := &fakeVerifier{}

	entries, err := CallProofQuery(context.Background(), transport, verifier, ChainId(1), hashOf(1), hashOf(2), "fn", nil, []PeerId{"p1"})
	require.NoError(t, err)
	require.NotNil(t, entries.Values)
	require.Equal(t, 3, transport.calls, "two oversize refusals then a success, same peer")
}

func TestCallProofQuerySurfacesVerificationErrorImmediately(t *testing.T) {
	transport := &fakeTransport{}
	verifier := &fakeVerifier{fail: true}

	_, err := CallProofQuery(context.Background(), transport, verifier, ChainId(1), hashOf(1), hashOf(2), "fn", nil, []PeerId{"p1", "p2"})
	require.Error(t, err)
	require.Equal(t, 1, transport.calls, "proof-caused failure must not retry or rotate")
}

func TestStorageQueryExhaustsAllPeers(t *testing.T) {
	transport := &fakeTransport{failUntil: 99, err: errString("down")}
	verifier := &fakeVerifier{}

	_, err := StorageQuery(context.Background(), transport, verifier, ChainId(1), hashOf(1), hashOf(2), [][]byte{[]byte("k")}, []PeerId{"p1", "p2"})
	require.Error(t, err)
	require.Equal(t, 2, transport.calls)
}
