package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/terabyte/openitg/crypt"
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func kind(info *crypt.ContainerInfo) string {
	if info.Arcade {
		return "arcade (dongle keyed)"
	}
	return "patch (secret keyed)"
}

func info(c *cli.Context) error {
	if c.NArg() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}

	ci, err := crypt.Stat(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding(" ")
	table.SetNoWhiteSpace(true)

	table.Append([]string{"Magic:", fmt.Sprintf("%q", ci.Magic)})
	table.Append([]string{"Kind:", kind(ci)})
	table.Append([]string{"Plaintext length:", strconv.FormatUint(uint64(ci.PlaintextLength), 10)})
	table.Append([]string{"Subkey length:", strconv.FormatUint(uint64(ci.SubkeyLength), 10)})
	table.Append([]string{"Header length:", strconv.FormatInt(ci.HeaderLength, 10)})

	table.Render()
	return nil
}

func decrypt(c *cli.Context) error {
	if c.NArg() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}

	secret := c.String("secret")
	if secret == "" {
		secret = os.Getenv("ITG_PATCH_KEY")
	}
	if secret == "" {
		return cli.Exit("a patch secret is required (--secret or ITG_PATCH_KEY); dongle-keyed arcade files cannot be decrypted here", 1)
	}

	f, err := crypt.Open(c.Args().First(), secret, nil)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer f.Close()

	out := io.Writer(os.Stdout)
	if c.NArg() > 1 {
		dest, err := os.Create(c.Args().Get(1))
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer dest.Close()
		out = dest
	}

	if _, err := io.Copy(out, f); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "itgtool",
		Usage:   "inspect and decrypt ITG2 .kry and .patch files",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "print container header fields",
				ArgsUsage: "FILE",
				Action:    info,
			},
			{
				Name:      "decrypt",
				Usage:     "decrypt a patch file to a file or stdout",
				ArgsUsage: "FILE [OUT]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "secret",
						Aliases: []string{"s"},
						Usage:   "47-byte patch secret (defaults to $ITG_PATCH_KEY)",
					},
				},
				Action: decrypt,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
