package quecho

import "fmt"

func newDialer(network, address string, config *Config) (dialer, error) {
	var (
		err error
		d   dialer
	)

	switch network {
	case NetworkQUIC, "":
		d, err = newQUICDialer(address, config)

	case NetworkTCP:
		d, err = newTCPDialer(address, config)

	default:
		return nil, fmt.Errorf("%w: network %q", ErrNotSupported, network)
	}

	if err != nil {
		return nil, err
	}

	return d, nil
}
