// Copyright 2019 Cloudbase Solutions Srl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//go:build windows

package main

import (
	"flag"
	"fmt"
	"log"

	wsvc "golang.org/x/sys/windows/svc"

	"pdvss-agent/agent"
	"pdvss-agent/config"
	"pdvss-agent/internal/winsvc"
	"pdvss-agent/logging"
)

const serviceName = "PDVSSAgent"

var (
	conf    = flag.String("config", config.DefaultConfigFile, "agent config file")
	debug   = flag.Bool("debug", false, "run in the foreground instead of as a service")
	version = flag.Bool("version", false, "prints version")
)

// Version is set by the release build's -ldflags.
var Version string

func main() {
	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}

	cfg, err := config.ParseConfig(*conf)
	if err != nil {
		log.Fatalf("failed to parse config %s: %v", *conf, err)
	}

	writer, err := logging.NewWriter(cfg)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	agentLog := logging.New(writer, "agent", cfg.Debug)

	inService, err := wsvc.IsWindowsService()
	if err != nil {
		log.Fatalf("failed to determine service context: %v", err)
	}
	isDebug := *debug || !inService

	loop, recorder, err := agent.Assemble(cfg, agentLog)
	if err != nil {
		log.Fatalf("failed to assemble agent: %v", err)
	}
	defer recorder.Close()

	if err := winsvc.RunService(serviceName, loop, isDebug); err != nil {
		log.Fatalf("service exited with error: %v", err)
	}
}
