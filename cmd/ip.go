package cmd

import (
	"context"
	"fmt"
	"time"
)

// RunEgressIP asks the daemon what address the outside world sees.
func RunEgressIP(addr string) error {
	// The daemon's lookup retries upstream, so give it longer than the
	// default client timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := newClient(addr).EgressIP(ctx)
	if err != nil {
		return err
	}
	if result.IsTor {
		fmt.Printf("%s (Tor exit)\n", result.IP)
	} else {
		fmt.Println(result.IP)
	}
	return nil
}
