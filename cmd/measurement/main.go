package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ruteri/tee-admission-node/cmd/flags"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/urfave/cli/v2"
)

var inputFlag = &cli.StringFlag{
	Name:     "input",
	Required: true,
	Usage:    "binary to measure",
}

var outputFlag = &cli.StringFlag{
	Name:  "output",
	Usage: "file to write the raw 32-byte measurement to; defaults to <input>.measurement",
}

var printOnlyFlag = &cli.BoolFlag{
	Name:  "print-only",
	Usage: "print the hex measurement to stdout without writing a file",
}

func main() {
	app := &cli.App{
		Name:  "measurement",
		Usage: "Compute the code measurement of a binary for measurement policies",
		Flags: []cli.Flag{
			inputFlag,
			outputFlag,
			printOnlyFlag,
			flags.LogDebugFlag,
		},
		Action: func(cCtx *cli.Context) error {
			input := cCtx.String(inputFlag.Name)

			measurement, err := cryptoutils.MeasureFile(input)
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s\n", measurement.String(), input)

			if cCtx.Bool(printOnlyFlag.Name) {
				return nil
			}

			output := cCtx.String(outputFlag.Name)
			if output == "" {
				output = input + ".measurement"
			}

			if err := os.WriteFile(output, measurement, 0o644); err != nil {
				return fmt.Errorf("could not write measurement: %w", err)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
