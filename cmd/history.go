package cmd

import (
	"context"
	"fmt"
)

// RunHistory prints recent transitions, newest first.
func RunHistory(addr string, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	entries, err := newClient(addr).Transitions(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No transitions recorded.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s %s -> %-8s %s",
			e.FinishedAt.Format("2006-01-02 15:04:05"), e.Trigger, e.FromMode, e.ToMode, e.Outcome)
		if e.Error != "" {
			line += "  (" + e.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}
