package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/egress/cmd"
	"grimm.is/egress/internal/brand"
	"grimm.is/egress/internal/config"
)

func defaultConfigPath() string {
	return brand.GetConfigDir() + "/" + brand.ConfigFileName
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigPath(), "Configuration file (short)")
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			fail(cmd.RunDaemon(*configFile))
		} else {
			fail(cmd.RunStart(*configFile))
		}

	case "daemon":
		// Internal: the foreground process spawned by start.
		daemonFlags := flag.NewFlagSet("daemon", flag.ExitOnError)
		configFile := daemonFlags.String("config", defaultConfigPath(), "Configuration file")
		daemonFlags.StringVar(configFile, "c", defaultConfigPath(), "Configuration file (short)")
		daemonFlags.Parse(os.Args[2:])
		fail(cmd.RunDaemon(*configFile))

	case "stop":
		fail(cmd.RunStop())

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		addr := statusFlags.String("addr", config.DefaultAPIListen, "Daemon API address")
		statusFlags.Parse(os.Args[2:])
		fail(cmd.RunStatus(*addr))

	case "mode":
		modeFlags := flag.NewFlagSet("mode", flag.ExitOnError)
		addr := modeFlags.String("addr", config.DefaultAPIListen, "Daemon API address")
		modeFlags.Parse(os.Args[2:])
		if modeFlags.NArg() < 1 {
			fail(cmd.RunModes(*addr))
			return
		}
		fail(cmd.RunSetMode(*addr, modeFlags.Arg(0)))

	case "history":
		histFlags := flag.NewFlagSet("history", flag.ExitOnError)
		addr := histFlags.String("addr", config.DefaultAPIListen, "Daemon API address")
		limit := histFlags.Int("n", 20, "Number of transitions to show")
		histFlags.Parse(os.Args[2:])
		fail(cmd.RunHistory(*addr, *limit))

	case "ip":
		ipFlags := flag.NewFlagSet("ip", flag.ExitOnError)
		addr := ipFlags.String("addr", config.DefaultAPIListen, "Daemon API address")
		ipFlags.Parse(os.Args[2:])
		fail(cmd.RunEgressIP(*addr))

	case "alarm":
		alarmFlags := flag.NewFlagSet("alarm", flag.ExitOnError)
		addr := alarmFlags.String("addr", config.DefaultAPIListen, "Daemon API address")
		alarmFlags.Parse(os.Args[2:])
		if alarmFlags.NArg() < 1 || alarmFlags.Arg(0) != "clear" {
			fmt.Fprintf(os.Stderr, "Usage: %s alarm clear\n", brand.BinaryName)
			os.Exit(2)
		}
		fail(cmd.RunClearAlarm(*addr))

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", defaultConfigPath(), "Configuration file")
		checkFlags.StringVar(configFile, "c", defaultConfigPath(), "Configuration file (short)")
		checkFlags.Parse(os.Args[2:])
		if checkFlags.NArg() > 0 {
			*configFile = checkFlags.Arg(0)
		}
		fail(cmd.RunCheck(*configFile))

	case "version", "-v", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage: %s <command> [options]

Daemon:
  start [-c config] [-f]   Start the orchestrator (background by default)
  stop                     Stop the running daemon
  check [-c config]        Validate config and rulesets

Control (talks to the running daemon):
  status                   Show current mode and service health
  mode                     List configured modes
  mode <name>              Switch to a mode (direct, vpn, tor, ...)
  history [-n N]           Show recent transitions
  ip                       Show the public egress address
  alarm clear              Clear the rollback-failed alarm

Other:
  version                  Show version information
  help                     Show this help

Options for control commands:
  -addr host:port          Daemon API address (default %s)
`, brand.Name, brand.Description, brand.BinaryName, config.DefaultAPIListen)
}
