package cmd

import (
	"context"
	"fmt"
)

// RunSetMode requests a transition and waits for the result. The daemon
// answers only after the swap completes or rolls back, so a zero exit
// here means the mode is live.
func RunSetMode(addr, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if err := newClient(addr).SetMode(ctx, name); err != nil {
		return fmt.Errorf("switch to %s failed: %w", name, err)
	}
	fmt.Printf("Switched to %s.\n", name)
	return nil
}

// RunClearAlarm clears the standing rollback-failed alarm.
func RunClearAlarm(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if err := newClient(addr).ClearAlarm(ctx); err != nil {
		return err
	}
	fmt.Println("Alarm cleared.")
	return nil
}
