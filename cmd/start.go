package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"grimm.is/egress/internal/brand"
	"grimm.is/egress/internal/config"
)

// RunStart validates the config, then re-execs the binary as a
// background daemon with output redirected to the log directory.
func RunStart(configFile string) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s\n\n"+
			"Create a minimal config:\n"+
			"  mkdir -p %s\n"+
			"  %s check -c %s   # after writing it",
			configFile, brand.DefaultConfigDir, brand.BinaryName, configFile)
	}

	// Catch config errors here, with a terminal, instead of in the
	// background child.
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(logDir, brand.LowerName+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "daemon", "-c", configFile)
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give it a moment to fail fast on things like a taken port.
	done := make(chan error, 1)
	go func() { done <- child.Wait() }()
	select {
	case err := <-done:
		return fmt.Errorf("daemon exited immediately: %v (see %s)", err, logPath)
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("Started %s (PID %d), logging to %s\n", brand.Name, child.Process.Pid, logPath)
	return child.Process.Release()
}
