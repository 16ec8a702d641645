package quecho

import "fmt"

func newListener(network, address string, config *Config) (listener, error) {
	var (
		err error
		ln  listener
	)

	switch network {
	case NetworkQUIC, "":
		ln, err = quicListen(address, config)

	case NetworkTCP:
		ln, err = tcpListen(address, config)

	default:
		return nil, fmt.Errorf("%w: network %q", ErrNotSupported, network)
	}

	if err != nil {
		return nil, err
	}

	return ln, nil
}
