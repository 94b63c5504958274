// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command campaign-runner schedules and executes autonomous agent
// campaigns against a tool gateway.
//
// Usage:
//
//	campaign-runner serve --campaigns-dir /etc/campaigns
//	campaign-runner run xa-dependency-audit
//	campaign-runner validate --campaigns-dir ./campaigns
//	campaign-runner schema > campaign.schema.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/campaign-runner/pkg/config"
	"github.com/kadirpekel/campaign-runner/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the scheduler and API server."`
	Run      RunCmd      `cmd:"" help:"Run a single campaign and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate campaign definitions and exit."`
	Schema   SchemaCmd   `cmd:"" help:"Print the campaign JSON schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to runner config file (YAML)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`
	LogFormat string `help:"Log format (text or json)." env:"LOG_FORMAT" default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)." env:"LOG_FILE"`
}

func initLogger(cli *CLI) (func(), error) {
	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		file, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("campaign-runner"),
		kong.Description("Autonomous agent campaign runner"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
