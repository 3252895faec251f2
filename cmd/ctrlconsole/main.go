// Command ctrlconsole is a command-line operator console for device-control
// servers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"remote-ctrl/client"
	"remote-ctrl/config"
	"remote-ctrl/loadbalance"
	"remote-ctrl/logger"
	"remote-ctrl/registry"
)

var (
	configPath    string
	serverAddr    string
	deviceName    string
	balancerName  string
	etcdEndpoints []string
	ttl           time.Duration
	verbose       bool
)

var (
	cfg config.Console
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "ctrlconsole",
	Short:         "Talk to a device-control server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.LoadConsole(configPath); err != nil {
			return err
		}
		applyFlags(cmd)
		log, err = logger.New(cfg.Log)
		return err
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&serverAddr, "server", "s", "", "server address; empty discovers one through etcd")
	f.StringVar(&deviceName, "device", "", "device to discover")
	f.StringVar(&balancerName, "balancer", "", "round_robin, weighted_random or consistent_hash")
	f.StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints used for discovery")
	f.DurationVar(&ttl, "ttl", 0, "how long to wait for a reply")
	f.BoolVarP(&verbose, "verbose", "v", false, "log connection events")

	rootCmd.AddCommand(pingCmd, lsconnCmd, lscmdCmd, callCmd, watchCmd)
}

func applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("server") {
		cfg.Server = serverAddr
	}
	if f.Changed("device") {
		cfg.Device = deviceName
	}
	if f.Changed("balancer") {
		cfg.Balancer = balancerName
	}
	if f.Changed("etcd") {
		cfg.Etcd.Endpoints = etcdEndpoints
	}
	if f.Changed("ttl") {
		cfg.TTL = ttl
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
}

func openRegistry() (*registry.EtcdRegistry, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, errors.New("no server address and no etcd endpoints given")
	}
	return registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log.Named("registry"))
}

// connect dials the configured server, or discovers one.
func connect(ctx context.Context) (*client.Client, error) {
	identity := cfg.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	opts := []client.Option{
		client.WithLogger(log),
		client.WithTTL(cfg.TTL),
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithPollInterval(cfg.PollInterval),
		client.WithIdentity(identity),
	}
	if cfg.Server != "" {
		return client.Dial(cfg.Server, opts...), nil
	}

	reg, err := openRegistry()
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	bal, err := loadbalance.New(cfg.Balancer, identity)
	if err != nil {
		return nil, err
	}
	return client.Discover(ctx, reg, bal, cfg.Device, opts...)
}

// withClient runs fn against a fresh connection and closes it afterwards.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			rtt, err := c.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("PONG from %s in %s\n", c.Addr(), rtt)
			return nil
		})
	},
}

var lsconnCmd = &cobra.Command{
	Use:   "lsconn",
	Short: "List the consoles connected to the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			hosts, err := c.ListConns(ctx)
			if err != nil {
				return err
			}
			for _, h := range hosts {
				fmt.Println(h)
			}
			return nil
		})
	},
}

var lscmdCmd = &cobra.Command{
	Use:   "lscmd",
	Short: "List the commands the server accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			commands, err := c.ListCommands(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(commands))
			for name := range commands {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				info := commands[name]
				fmt.Printf("%-28s %-5s %v\n", name, info.Kind, info.ArgTypes)
			}
			return nil
		})
	},
}

// parseArg reads a command-line argument as JSON, falling back to a plain
// string, so `call move_single_servo FL_ELBOW 930` sends ["FL_ELBOW", 930].
func parseArg(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

var callCmd = &cobra.Command{
	Use:   "call <command> [args...]",
	Short: "Run a command and print its result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := args[0]
		callArgs := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			callArgs = append(callArgs, parseArg(a))
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			res, err := c.Call(ctx, op, callArgs...)
			if err != nil {
				return err
			}
			log.Debug("command finished", zap.String("op", op), zap.Duration("exectime", res.ExecTime))
			return printJSON(res.Data)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the registered servers of the device whenever they change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		instances, err := reg.Discover(ctx, cfg.Device)
		if err != nil {
			return err
		}
		printInstances(instances)
		for instances := range reg.Watch(ctx, cfg.Device) {
			printInstances(instances)
		}
		return nil
	},
}

func printInstances(instances []registry.Instance) {
	fmt.Printf("%s  %d server(s)\n", time.Now().Format(time.TimeOnly), len(instances))
	for _, inst := range instances {
		fmt.Printf("  %-24s weight=%d version=%s\n", inst.Addr, inst.Weight, inst.Version)
	}
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if log != nil {
		log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
