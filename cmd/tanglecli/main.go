package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/olekukonko/tablewriter"
	"github.com/sputn1ck/tanglewallet/client"
	"github.com/sputn1ck/tanglewallet/monitoring"
	"github.com/sputn1ck/tanglewallet/tanglecfg"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[tanglecli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "tanglecli"
	app.Usage = "send and inspect value transfers on an IOTA node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "configfile",
			Value: tanglecfg.DefaultConfigFile,
			Usage: "path to the ini configuration file",
		},
		cli.StringFlag{
			Name:  "datadir",
			Value: tanglecfg.DefaultDataDir,
			Usage: "directory holding the journal and the key state",
		},
		cli.StringFlag{
			Name:  "node",
			Usage: "URL of the node's HTTP API",
		},
		cli.BoolFlag{
			Name:  "localpow",
			Usage: "do proof of work locally instead of on the node",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "logging level, <level> or <subsystem>=<level>,...",
		},
		cli.StringFlag{
			Name:  "metricslisten",
			Usage: "serve prometheus metrics on this address",
		},
	}
	app.Commands = []cli.Command{
		nodeInfoCommand,
		newAddressCommand,
		balancesCommand,
		sendCommand,
		broadcastCommand,
		bundlesCommand,
		consistencyCommand,
		neighborsCommand,
		callCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// configArgs turns the global flags that were set into tanglecfg flags.
func configArgs(ctx *cli.Context) []string {
	var args []string

	mapping := []struct {
		name string
		long string
	}{
		{"configfile", "configfile"},
		{"datadir", "datadir"},
		{"node", "node.url"},
		{"debuglevel", "debuglevel"},
		{"metricslisten", "metricslisten"},
	}
	for _, m := range mapping {
		if ctx.GlobalIsSet(m.name) {
			args = append(args, fmt.Sprintf("--%s=%s", m.long,
				ctx.GlobalString(m.name)))
		}
	}
	if ctx.GlobalBool("localpow") {
		args = append(args, "--pow.local")
	}

	return args
}

// getClient loads the configuration and starts a wallet client. The
// returned cleanup stops the client and the metrics listener.
func getClient(ctx *cli.Context) (context.Context, *client.Client,
	*tanglecfg.Config, func(), error) {

	cfg, err := tanglecfg.LoadConfig(configArgs(ctx))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, nil, nil, err
	}

	if err := tanglecfg.SetupLoggers(os.Stderr, cfg.DebugLevel); err != nil {
		return nil, nil, nil, nil, err
	}

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	metrics, err := monitoring.NewMetrics()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	clientCfg.Metrics = metrics
	clientCfg.Clock = clock.NewDefaultClock()

	c, err := client.New(clientCfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := c.Start(); err != nil {
		return nil, nil, nil, nil, err
	}

	runCtx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)

	if cfg.MetricsListen != "" {
		go func() {
			err := metrics.Serve(runCtx, cfg.MetricsListen)
			if err != nil {
				fmt.Fprintf(os.Stderr, "metrics listener "+
					"failed: %v\n", err)
			}
		}()
	}

	cleanup := func() {
		cancel()
		if err := c.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to stop client: %v\n",
				err)
		}
	}

	return runCtx, c, cfg, cleanup, nil
}

func printJSON(resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s\n", b)

	return nil
}

func printTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
}
