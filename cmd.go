package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stack-analyzer [flags] collector[:opt,...]...",
	Short: "Sample stacks of a process with eBPF",
	Long: `stack-analyzer attaches eBPF stack collectors to a process, a command it
spawns, or the whole host, and reports the hottest stacks once per window.

Collectors: ` + strings.Join(collector.Kinds, ", ") + `

  on_cpu:freq=99,u,k         sample on-CPU stacks at 99Hz
  off_cpu:k                  time spent blocked, kernel stacks
  memleak:rate=8,lib=libc    outstanding allocations
  io:mode=size               bytes per stack (size, count or aver)
  readahead                  unused readahead pages
  probe:probe=t:sched:sched_switch
                             stack counts for a kprobe, tracepoint or uprobe`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./stack-analyzer.yaml)")
	flags.Int32P("pid", "p", -1, "sample an existing process")
	flags.StringP("command", "c", "", "spawn and sample a command")
	flags.String("shell", "/bin/bash", "shell running --command")
	flags.DurationP("delay", "d", 0, "length of one sampling window (default 5s)")
	flags.DurationP("duration", "t", 0, "total run time, 0 runs until interrupted")
	flags.StringP("trigger", "T", "", "wait for a pressure stall on cpu, memory or io before each window")
	flags.String("trigger-event", "", "pressure stall threshold written to the trigger")
	flags.String("objects", "", "directory holding the compiled <collector>.bpf.o objects")
	flags.String("data-dir", "", "store windows and rule matches in a sqlite database here")
	flags.String("rules-dir", "", "evaluate the Sigma rules in this directory")
	flags.String("listen", "", "serve the HTTP API and /metrics on this address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or console)")
	flags.Bool("keep-privileges", false, "run --command as root even under sudo")

	for key, flag := range map[string]string{
		"pid":             "pid",
		"command":         "command",
		"shell":           "shell",
		"delay":           "delay",
		"duration":        "duration",
		"trigger":         "trigger",
		"trigger_event":   "trigger-event",
		"objects":         "objects",
		"data_dir":        "data-dir",
		"rules_dir":       "rules-dir",
		"listen":          "listen",
		"log_level":       "log-level",
		"log_format":      "log-format",
		"keep_privileges": "keep-privileges",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("stack-analyzer")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}
