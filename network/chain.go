package network

// Role is the chain-participation role a chain was registered with.
type Role uint8

const (
	RoleLight Role = iota
	RoleFull
	RoleValidator
)

// GrandpaState is the locally-held view of a chain's Grandpa round,
// broadcast to peers via gossip_broadcast_grandpa_state_and_update.
type GrandpaState struct {
	RoundNumber          uint64
	SetId                uint64
	CommitFinalizedHeight uint64
}

// ChainConfig is the caller-supplied description of a chain to
// register with AddChain.
type ChainConfig struct {
	GenesisHash             [32]byte
	ForkId                  *string
	BlockNumberBytes        uint8
	Role                    Role
	BestHash                [32]byte
	BestNumber              uint64
	AllowInboundBlockRequests bool
	Grandpa                 *GrandpaState
}

// chain is the coordinator's internal record for a registered chain.
type chain struct {
	id ChainId

	genesisHash [32]byte
	forkId      *string

	blockNumberBytes          uint8
	role                      Role
	allowInboundBlockRequests bool

	bestHash   [32]byte
	bestNumber uint64

	grandpa *GrandpaState
}

func genesisKey(genesis [32]byte, forkId *string) string {
	if forkId == nil {
		return string(genesis[:])
	}
	return string(genesis[:]) + "\x00" + *forkId
}

// AddChain registers a new chain. It fails with *DuplicateChainError
// if (genesis_hash, fork_id) is already present.
func (cn *ChainNetwork) AddChain(cfg ChainConfig) (ChainId, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	key := genesisKey(cfg.GenesisHash, cfg.ForkId)
	if existing, ok := cn.chainsByGenesis[key]; ok {
		return 0, &DuplicateChainError{Existing: existing}
	}

	id := cn.nextChainId
	cn.nextChainId++

	cn.chains[id] = &chain{
		id:                        id,
		genesisHash:               cfg.GenesisHash,
		forkId:                    cfg.ForkId,
		blockNumberBytes:          cfg.BlockNumberBytes,
		role:                      cfg.Role,
		allowInboundBlockRequests: cfg.AllowInboundBlockRequests,
		bestHash:                  cfg.BestHash,
		bestNumber:                cfg.BestNumber,
		grandpa:                   cfg.Grandpa,
	}
	cn.chainsByGenesis[key] = id
	return id, nil
}

// SetChainLocalBestBlock updates the chain's locally-known best block.
// Subsequent outbound Block-Announces handshakes use the new value.
func (cn *ChainNetwork) SetChainLocalBestBlock(id ChainId, hash [32]byte, number uint64) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	c, ok := cn.chains[id]
	if !ok {
		return ErrUnknownChain
	}
	c.bestHash = hash
	c.bestNumber = number
	return nil
}

// protocolName renders a per-chain protocol name as
// "/<hex(genesis_hash)>[/<fork_id>]/<proto>"; identify and ping are
// unqualified.
func (cn *ChainNetwork) protocolName(p Protocol) (string, error) {
	if !p.isPerChain() {
		return p.name(), nil
	}
	c, ok := cn.chains[p.ChainIndex]
	if !ok {
		return "", ErrUnknownChain
	}
	out := "/" + hexEncode(c.genesisHash[:])
	if c.forkId != nil {
		out += "/" + *c.forkId
	}
	return out + "/" + p.name(), nil
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
