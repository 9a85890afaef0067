/*
Outbox - durable outbound email dispatcher.
Copyright © 2021-2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/outboxd/outbox"
	parser "github.com/outboxd/outbox/framework/cfgparser"
	"github.com/outboxd/outbox/framework/config"
	modconfig "github.com/outboxd/outbox/framework/config/module"
	"github.com/outboxd/outbox/framework/hooks"
	"github.com/outboxd/outbox/framework/module"
	outboxcli "github.com/outboxd/outbox/internal/cli"
	"github.com/outboxd/outbox/internal/cli/clitools"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/urfave/cli/v2"
)

func init() {
	outboxcli.AddSubcommand(
		&cli.Command{
			Name:  "queue",
			Usage: "On-disk queue inspection",
			Description: `These commands inspect and manipulate the on-disk message queue
maintained by the outbox daemon.

The queue is located using the dispatch block of the configuration file.
By default the block named dispatch is used (can be changed using the
--cfg-block argument for subcommands).

Removing entries while the daemon is running is safe only for entries
that are not being dispatched at that moment, prefer stopping the
daemon first.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List queued messages",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "cfg-block",
							Usage:   "Module configuration block to use",
							EnvVars: []string{"OUTBOXD_CFGBLOCK"},
							Value:   "dispatch",
						},
					},
					Action: queueList,
				},
				{
					Name:      "dump",
					Usage:     "Print the complete entry, including the stored payload",
					ArgsUsage: "ID",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "cfg-block",
							Usage:   "Module configuration block to use",
							EnvVars: []string{"OUTBOXD_CFGBLOCK"},
							Value:   "dispatch",
						},
					},
					Action: queueDump,
				},
				{
					Name:      "rm",
					Usage:     "Remove queue entries",
					ArgsUsage: "ID...",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "cfg-block",
							Usage:   "Module configuration block to use",
							EnvVars: []string{"OUTBOXD_CFGBLOCK"},
							Value:   "dispatch",
						},
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Don't ask for confirmation",
						},
					},
					Action: queueRm,
				},
			},
		})
}

func getCfgBlockModule(ctx *cli.Context) (map[string]interface{}, *outbox.ModInfo, error) {
	cfgPath := ctx.Path("config")
	if cfgPath == "" {
		return nil, nil, cli.Exit("Error: config is required", 2)
	}
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to open config: %v", err), 2)
	}
	defer cfgFile.Close()
	cfgNodes, err := parser.Read(cfgFile, cfgFile.Name())
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to parse config: %v", err), 2)
	}

	globals, cfgNodes, err := outbox.ReadGlobals(cfgNodes)
	if err != nil {
		return nil, nil, err
	}

	if err := outbox.InitDirs(); err != nil {
		return nil, nil, err
	}

	mods, err := outbox.RegisterModules(globals, cfgNodes)
	if err != nil {
		return nil, nil, err
	}

	cfgBlock := ctx.String("cfg-block")
	if cfgBlock == "" {
		return nil, nil, cli.Exit("Error: cfg-block is required", 2)
	}
	var mod outbox.ModInfo
	for _, m := range mods {
		if m.Instance.InstanceName() == cfgBlock {
			mod = m
			break
		}
	}
	if mod.Instance == nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: unknown configuration block: %s", cfgBlock), 2)
	}

	return globals, &mod, nil
}

// openQueue opens the queue store the selected dispatch block works with.
//
// The dispatch module itself is never initialized, only its location and
// storage directives are processed, so the dispatcher does not start up.
func openQueue(ctx *cli.Context) (*queue.Store, error) {
	globals, mod, err := getCfgBlockModule(ctx)
	if err != nil {
		return nil, err
	}

	if mod.Instance.Name() != "dispatch" {
		return nil, cli.Exit(fmt.Sprintf("Error: configuration block %s is not a dispatch block", ctx.String("cfg-block")), 2)
	}

	var (
		location string
		blobs    module.BlobStore
	)
	cfg := config.NewMap(globals, mod.Cfg)
	cfg.String("location", false, false, filepath.Join(config.StateDirectory, "queue"), &location)
	cfg.Custom("storage", false, false, func() (interface{}, error) {
		return defaultBlobStore()
	}, modconfig.BlobDirective, &blobs)
	cfg.AllowUnknown()
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	return queue.Open(location, blobs)
}

func defaultBlobStore() (module.BlobStore, error) {
	factory := module.Get("storage.blob.fs")
	if factory == nil {
		return nil, errors.New("unknown module: storage.blob.fs")
	}
	mod, err := factory("storage.blob.fs", "", nil, []string{filepath.Join(config.StateDirectory, "blobs")})
	if err != nil {
		return nil, err
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err != nil {
		return nil, err
	}
	return mod.(module.BlobStore), nil
}

func queueList(ctx *cli.Context) error {
	defer hooks.RunHooks(hooks.EventShutdown)

	store, err := openQueue(ctx)
	if err != nil {
		return err
	}

	entries, err := store.Select(context.Background(), func(*queue.Entry) bool { return true })
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Created.Equal(entries[j].Created) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Created.Before(entries[j].Created)
	})

	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRETRIES\tNEXT ATTEMPT\tRECIPIENT")
	for _, e := range entries {
		status := "queued"
		next := e.RetryOn.Format(time.RFC3339)
		switch {
		case !e.Sent.IsZero():
			status = "sent"
			next = "-"
		case e.Exhausted():
			status = "exhausted"
			next = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, status, e.Retry, next, e.Recipient)
	}
	return w.Flush()
}

func queueDump(ctx *cli.Context) error {
	defer hooks.RunHooks(hooks.EventShutdown)

	id := ctx.Args().First()
	if id == "" {
		return cli.Exit("Error: ID is required", 2)
	}

	store, err := openQueue(ctx)
	if err != nil {
		return err
	}

	entry, err := store.Get(context.Background(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNoSuchEntry) {
			return cli.Exit(fmt.Sprintf("Error: no such entry: %s", id), 2)
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

func queueRm(ctx *cli.Context) error {
	defer hooks.RunHooks(hooks.EventShutdown)

	if ctx.NArg() == 0 {
		return cli.Exit("Error: at least one ID is required", 2)
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to remove these entries?", false) {
			return errors.New("Cancelled")
		}
	}

	store, err := openQueue(ctx)
	if err != nil {
		return err
	}

	for _, id := range ctx.Args().Slice() {
		if err := store.Delete(context.Background(), id); err != nil {
			if errors.Is(err, queue.ErrNoSuchEntry) {
				fmt.Fprintf(os.Stderr, "No such entry: %s\n", id)
				continue
			}
			return err
		}
		fmt.Println(id)
	}
	return nil
}
