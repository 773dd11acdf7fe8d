package network

import (
	multiaddr "github.com/multiformats/go-multiaddr"
)

// ValidateDialAddress walks a multiaddress's protocol stack and
// reports whether it is a composition this stack can dial: ip4/tcp,
// ip6/tcp, either with a ws suffix, or dns|dns4|dns6/tcp with an
// optional ws suffix. Anything else is rejected before any connect is
// attempted.
func ValidateDialAddress(addr multiaddr.Multiaddr) error {
	if addr == nil {
		return ErrUnsupportedAddress
	}
	protos := addr.Protocols()
	if len(protos) < 2 || len(protos) > 3 {
		return ErrUnsupportedAddress
	}

	switch protos[0].Code {
	case multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6:
	default:
		return ErrUnsupportedAddress
	}
	if protos[1].Code != multiaddr.P_TCP {
		return ErrUnsupportedAddress
	}
	if len(protos) == 3 && protos[2].Code != multiaddr.P_WS {
		return ErrUnsupportedAddress
	}
	return nil
}

// NewAddress parses and validates a dialable multiaddress string.
func NewAddress(s string) (Address, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Address{}, err
	}
	if err := ValidateDialAddress(ma); err != nil {
		return Address{}, err
	}
	return Address{Multiaddr: ma}, nil
}
