/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command shmrdv streams a counting sequence between two processes over a
// shared-memory rendezvous channel.
package main

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// Version is set at link time.
var Version = "0.1.0"

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "shmrdv"
	app.Version = Version
	app.Usage = "single-slot shared memory rendezvous channel"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level, l",
			Usage:  "log level, trace|debug|info|warning|error",
			EnvVar: "SHMRDV_LOG_LEVEL",
			Value:  "info",
		},
		cli.StringFlag{
			Name:   "log-format",
			Usage:  "log format, text|json",
			EnvVar: "SHMRDV_LOG_FORMAT",
			Value:  "text",
		},
	}
	app.Commands = []cli.Command{
		cmdProduce,
		cmdConsume,
		cmdRun,
		cmdInspect,
		cmdClean,
	}
	app.Before = func(c *cli.Context) error {
		return configureLogging(c.GlobalString("log-level"), c.GlobalString("log-format"), c.App.ErrWriter)
	}

	// print help by default
	app.Action = func(c *cli.Context) error {
		return cli.ShowAppHelp(c)
	}
	return app
}

func configureLogging(level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log-level")
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("shmrdv failed")
		os.Exit(1)
	}
}
