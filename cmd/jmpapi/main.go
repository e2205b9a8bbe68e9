/*
 * Copyright 2023 The jmpapi authors
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
 */

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/jmpapi/jmpapi"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flags       = pflag.NewFlagSet("jmpapi", pflag.ContinueOnError)
	showVersion = flags.BoolP("version", "v", false, "print the version and exit")
	checkOnly   = flags.BoolP("check", "c", false, "validate the configuration and exit")
	logFormat   = flags.StringP("logtype", "l", "text", "log format, 'text' or 'json'")
	noColor     = flags.Bool("no-color", false, "disable colored log output")
	yamlInput   = flags.BoolP("yaml", "y", false, "read the configuration as YAML")
)

var version = "dev" // overridden at build time

func usage() {
	fmt.Fprint(os.Stderr, `Usage: jmpapi [options] <config-file>

jmpapi reads a declarative API description and serves it over HTTP.

Options:
`)
	flags.PrintDefaults()
}

func main() {
	flags.Usage = usage
	if err := flags.Parse(os.Args[1:]); err == pflag.ErrHelp {
		return
	} else if err != nil || (!*showVersion && flags.NArg() != 1) ||
		(*logFormat != "text" && *logFormat != "json") {
		usage()
		os.Exit(1)
	}
	if *showVersion {
		fmt.Println("jmpapi", version)
		return
	}
	os.Exit(run(flags.Arg(0)))
}

func run(path string) int {
	cfg, err := readConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "jmpapi:", err)
		return 1
	}
	if *checkOnly {
		return report(path, cfg.Validate())
	}

	logger := newLogger()
	rti := jmpapi.RuntimeInterface{
		Logger:   &logger,
		CacheSet: cacheSet,
		CacheGet: cacheGet,
	}
	server, err := jmpapi.NewAPIServer(cfg, &rti)
	if err != nil {
		logger.Error().Err(err).Msg("cannot set up server")
		return 1
	}
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("cannot start server")
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)

	logger.Info().Msg("shutting down")
	if err := server.Stop(time.Minute); err != nil {
		logger.Warn().Err(err).Msg("unclean shutdown")
	}
	return 0
}

func readConfig(path string) (*jmpapi.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg jmpapi.Config
	if *yamlInput {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// report prints validation results and returns the process exit code: 0
// when the configuration is usable, 2 when it has errors.
func report(path string, results []jmpapi.ValidationResult) int {
	var errs, warns int
	for _, res := range results {
		kind := "error"
		if res.Warn {
			kind = "warning"
			warns++
		} else {
			errs++
		}
		fmt.Printf("%s: %s: %s\n", path, kind, res.Message)
	}
	switch {
	case errs > 0:
		fmt.Printf("%s: %d error(s), %d warning(s)\n", path, errs, warns)
		return 2
	case warns == 0:
		fmt.Printf("%s: OK\n", path)
	}
	return 0
}

var cache sync.Map

func cacheSet(key uint64, value []byte) {
	if len(value) == 0 {
		cache.Delete(key)
	} else {
		cache.Store(key, value)
	}
}

func cacheGet(key uint64) (value []byte, found bool) {
	if v, ok := cache.Load(key); ok && v != nil {
		return v.([]byte), true
	}
	return nil, false
}
