package syncservice

import "github.com/libp2p/go-libp2p-core/peer"

// PeerId is the stable remote identity, shared with the network
// package's type.
type PeerId = peer.ID

// peerKnowledge tracks what a peer is assumed to know: its last
// announced best (number, hash) and any individually announced block
// hashes (e.g. via BlockAnnounce for non-best blocks during a fork).
type peerKnowledge struct {
	bestNumber uint64
	bestHash   Hash
	announced  map[Hash]bool
}

// NotePeerBest records a peer's most recent announced best block.
func (s *Service) NotePeerBest(p PeerId, number uint64, hash Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := s.peerOf(p)
	pk.bestNumber = number
	pk.bestHash = hash
}

// NotePeerAnnounced records an individual block announce from p that
// is not necessarily its new best (e.g. a non-canonical fork block).
func (s *Service) NotePeerAnnounced(p PeerId, hash Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := s.peerOf(p)
	pk.announced[hash] = true
}

func (s *Service) peerOf(p PeerId) *peerKnowledge {
	if s.peers == nil {
		s.peers = make(map[PeerId]*peerKnowledge)
	}
	pk, ok := s.peers[p]
	if !ok {
		pk = &peerKnowledge{announced: make(map[Hash]bool)}
		s.peers[p] = pk
	}
	return pk
}

// PeersAssumedKnowBlocks returns every peer whose announced knowledge
// or best-block height implies possession of (number, hash): either
// it explicitly announced hash, or its best-block number is at least
// number.
func (s *Service) PeersAssumedKnowBlocks(number uint64, hash Hash) []PeerId {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PeerId
	for p, pk := range s.peers {
		if pk.announced[hash] || pk.bestNumber >= number {
			out = append(out, p)
		}
	}
	return out
}
