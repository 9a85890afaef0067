package outboxcli

import (
	"fmt"
	"os"

	"github.com/outboxd/outbox/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "durable outbound email dispatcher"
	app.Description = `Outbox accepts outgoing messages into an on-disk queue, encodes them into
MIME and delivers them over SMTP, either through a configured relay or
directly to recipient MX servers. Failed deliveries are retried with
increasing intervals and bounces are correlated back to the message that
caused them.

This executable can be used to start the dispatcher ('run') and to inspect
the queue it maintains (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name: "Outbox contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Actual entry point is registered in outbox.go.

	mapStdlibFlags(app)

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
