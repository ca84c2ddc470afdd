/*
Copyright 2024 CareTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caretrack/evv"
	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/database"
	"github.com/caretrack/evv/internal/notification"
)

// Evv represents the CLI application, encapsulating the root Cobra command.
type Evv struct {
	cmd *cobra.Command
}

// evvInstance holds the pipeline service and its configuration for the
// lifetime of a command.
type evvInstance struct {
	evv *evv.Evv
	cnf *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service before
// running any command.
func preRun(app *evvInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("evv.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newEvv, err := setupEvv(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.evv = newEvv
		app.cnf = cnf

		return nil
	}
}

// setupEvv creates the pipeline service from configuration: datasource
// first, then the service wiring on top of it.
func setupEvv(cfg *config.Configuration) (*evv.Evv, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return &evv.Evv{}, fmt.Errorf("error getting datasource: %v", err)
	}

	newEvv, err := evv.NewEvv(db)
	if err != nil {
		return &evv.Evv{}, fmt.Errorf("error creating evv service: %v", err)
	}
	return newEvv, nil
}

// NewCLI creates the command-line interface for the EVV server.
func NewCLI() *Evv {
	var configFile string
	b := &evvInstance{}

	var rootCmd = &cobra.Command{
		Use:   "evv",
		Short: "Electronic visit verification pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./evv.json", "Configuration file for the EVV server")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))

	return &Evv{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur.
func (w Evv) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
