// Command aps-controller runs the closed-loop insulin controller and
// offers maintenance commands against its state database.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/aps-controller/internal/gpio"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/mqtt"
)

// Set by the linker.
var (
	version = "dev"
	commit  = ""
)

const defaultDBPath = "/var/lib/aps-controller/aps.db"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:           "aps-controller",
		Short:         "Closed-loop insulin controller",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.DBPath, "db", defaultDBPath, "SQLite state database")
	root.PersistentFlags().StringVar(&o.Broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	root.PersistentFlags().IntVar(&o.Verbosity, "verbosity", logging.DEFAULT, "log verbosity (0-5)")

	root.AddCommand(runCmd(&o))
	root.AddCommand(statsCmd(&o))
	root.AddCommand(announceCmd(&o))
	return root
}

func runCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.HTTPAddr, "http", ":80", "HTTP status address (empty to disable)")
	f.DurationVar(&o.Interval, "interval", 5*time.Minute, "fallback loop interval (0 to disable)")
	f.IntVar(&o.HeartbeatPin, "heartbeat-pin", gpio.DefaultPin, "BCM pin of the CGM heartbeat line (0 to disable)")
	f.DurationVar(&o.Debounce, "heartbeat-debounce", 250*time.Millisecond, "heartbeat line debounce")
	f.DurationVar(&o.GPIOPoll, "gpio-poll", 100*time.Millisecond, "heartbeat line polling interval")
	f.DurationVar(&o.RPCTimeout, "rpc-timeout", mqtt.DefaultRPCTimeout, "timeout for pump and engine calls")
	f.BoolVar(&o.Simulated, "sim", false, "use simulated pump and engine")
	return cmd
}
