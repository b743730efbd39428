package ingest

import "time"

func keepAlivePeriod(deadPeer time.Duration) time.Duration {
	p := deadPeer / 3
	if p < time.Second {
		p = time.Second
	}
	return p
}
